package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
)

// promptConfirmer prints the plan and reads a yes/no answer.
type promptConfirmer struct {
	in  io.Reader
	out io.Writer
}

var _ crawler.Confirmer = promptConfirmer{}

// Confirm accepts "y" or "yes" in any case. End of input declines.
func (p promptConfirmer) Confirm(ctx context.Context, plan crawler.Plan) (bool, error) {
	fmt.Fprint(p.out, plan.String())
	fmt.Fprint(p.out, "Proceed? [y/N] ")

	answer := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.in).ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				answer <- ""
				return
			}
			errCh <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	case err := <-errCh:
		return false, fmt.Errorf("read answer: %w", err)
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
