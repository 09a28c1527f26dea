//go:build !windows
// +build !windows

package reload

import (
	"os"
	"os/signal"
	"syscall"
)

// subscribe maps SIGUSR2 to reload and SIGUSR1 to restart.
func (n *Notifier) subscribe() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for s := range c {
			if s == syscall.SIGUSR1 {
				n.Restart()
			} else {
				n.Notify()
			}
		}
	}()
}
