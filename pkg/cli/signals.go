package cli

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForShutdown returns a channel that receives the first SIGINT or
// SIGTERM delivered to the process. The run command selects on it next
// to its server error channel, so an operator signal and a listener
// failure unwind through the same shutdown path.
func WaitForShutdown() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return sigChan
}
