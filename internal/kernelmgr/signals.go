package kernelmgr

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Swappable for tests.
var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
	reraiseSignal = func(sig os.Signal) {
		if s, ok := sig.(syscall.Signal); ok {
			_ = syscall.Kill(os.Getpid(), s)
		}
	}
)

const signalCleanupTimeout = 30 * time.Second

// HandleSignals installs handlers for SIGINT, SIGTERM and SIGHUP that
// tear down all tracked sessions before the process dies, then re-raise
// the signal so the default disposition still applies. Returns a stop
// function that uninstalls the handler.
func (m *Manager) HandleSignals() func() {
	ch := newSignalChannel()
	notifySignals(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		if m.Logger != nil {
			m.Logger.Info("signal received, shutting down kernel sessions", "signal", sig)
		}
		ctx, cancel := context.WithTimeout(context.Background(), signalCleanupTimeout)
		m.Close(ctx)
		cancel()

		stopSignals(ch)
		reraiseSignal(sig)
	}()

	return func() {
		stopSignals(ch)
		close(ch)
	}
}
