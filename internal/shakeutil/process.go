package shakeutil

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForShutdown blocks until SIGINT or SIGTERM arrives, then returns.
// SIGTERM is what an operator's process manager sends for stop_term
// (spec.md §4.10); SIGINT covers interactive Ctrl-C during development.
func WaitForShutdown() os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	return <-ch
}
