package crawler

import (
	"context"
	"os"
	"sync"
)

// WatchInterrupts returns a context that is canceled by the first value on
// signals. A second value calls force, which normally exits the process.
// The returned stop function releases the watcher.
func WatchInterrupts(parent context.Context, signals <-chan os.Signal, force func()) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}
	go func() {
		select {
		case <-signals:
			cancel()
		case <-parent.Done():
			return
		case <-done:
			return
		}
		select {
		case <-signals:
			if force != nil {
				force()
			}
		case <-done:
		}
	}()
	return ctx, stop
}
