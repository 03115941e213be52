// Package crawler implements the bounded, resumable breadth-first site crawler:
// the URL normalizer, the shared frontier, the fetch workers, and the engine
// that coordinates them against a shared browser.
package crawler
