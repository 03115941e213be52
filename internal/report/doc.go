// Package report assembles the outcome of a crawl with its CSP findings,
// encodes it as JSON, YAML or Markdown, and persists it to a blob store.
package report
