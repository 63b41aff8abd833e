package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that reports done when SIGINT or SIGTERM is received. A second signal
// exits the process straight away, for when draining takes longer than the operator is willing to wait.
func CreateContextWithShutdown() context.Context {
	return withShutdownSignals(context.Background(), func() { os.Exit(1) })
}

func withShutdownSignals(parent context.Context, forceExit func()) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(c)
			return
		}
		sig := <-c
		log.Warnf("Received %s while shutting down, exiting immediately", sig)
		forceExit()
	}()
	return ctx
}
