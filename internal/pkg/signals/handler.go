package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cconlon/tlstap/internal/pkg/logger"
)

const channelBuffer = 2

// SetupHandler cancels the provided context when SIGINT, SIGTERM, or
// SIGHUP arrives. The returned cleanup function detaches the handler.
func SetupHandler(ctx context.Context, cancel context.CancelFunc) (cleanup func()) {
	sigCh := make(chan os.Signal, channelBuffer)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, initiating shutdown", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// SetupHandlerWithCallback runs onSignal instead of cancelling a
// context, for callers with their own shutdown sequence.
func SetupHandlerWithCallback(ctx context.Context, onSignal func()) (cleanup func()) {
	sigCh := make(chan os.Signal, channelBuffer)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, invoking callback", "signal", sig.String())
			onSignal()
		case <-ctx.Done():
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
		<-done
	}
}

// WaitForSignal blocks until SIGINT, SIGTERM, or SIGHUP is received.
func WaitForSignal() os.Signal {
	sigCh := make(chan os.Signal, channelBuffer)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("Received signal", "signal", sig.String())
	return sig
}
