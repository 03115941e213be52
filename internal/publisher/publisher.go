// Package publisher announces finished runs to downstream consumers.
package publisher

import (
	"context"

	"github.com/mostlyserious/csp-crawler/internal/report"
)

// Publisher sends a run summary and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, sum report.Summary) (string, error)
}
