package report

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/mostlyserious/csp-crawler/internal/storage"
)

const timestampLayout = "20060102T150405Z"

// Writer encodes reports and stores them.
type Writer struct {
	store  storage.BlobStore
	prefix string
	format Format
}

// NewWriter returns a Writer that stores reports under prefix.
func NewWriter(store storage.BlobStore, prefix string, format Format) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	return &Writer{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		format: format,
	}, nil
}

// Format reports the encoding this writer uses.
func (w *Writer) Format() Format {
	return w.format
}

// Write encodes r and returns the URI of the stored object.
func (w *Writer) Write(ctx context.Context, r Report) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, r, w.format); err != nil {
		return "", err
	}
	name := ObjectPath(w.prefix, r, w.format)
	uri, err := w.store.PutObject(ctx, name, w.format.ContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("store report %s: %w", name, err)
	}
	return uri, nil
}

// ObjectPath names a report object as
// <prefix>/<host>/<timestamp>-<run id>.<ext>.
func ObjectPath(prefix string, r Report, f Format) string {
	host := "unknown"
	if u, err := url.Parse(r.Result.Config.BaseURL); err == nil && u.Host != "" {
		host = strings.ReplaceAll(strings.ToLower(u.Host), ":", "_")
	}
	name := fmt.Sprintf("%s-%s.%s", r.Result.Timestamp.UTC().Format(timestampLayout), r.RunID, f.Extension())
	return path.Join(prefix, host, name)
}
