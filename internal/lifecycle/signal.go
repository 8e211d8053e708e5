package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// SignalSource maps process signals to transitions: SIGUSR1 moves the app
// to the background, SIGUSR2 brings it back.
type SignalSource struct {
	logger *slog.Logger
}

// NewSignalSource returns a signal-driven source.
func NewSignalSource(logger *slog.Logger) *SignalSource {
	return &SignalSource{logger: logger}
}

// Run implements Source.
func (s *SignalSource) Run(ctx context.Context, emit func(State)) error {
	if backgroundSignal == nil {
		s.logger.Warn("lifecycle: signal source unsupported on this platform")
		<-ctx.Done()

		return nil
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, backgroundSignal, activeSignal)
	defer signal.Stop(ch)

	s.loop(ctx, ch, emit)

	return nil
}

func (s *SignalSource) loop(ctx context.Context, ch <-chan os.Signal, emit func(State)) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			var st State

			switch sig {
			case backgroundSignal:
				st = StateBackground
			case activeSignal:
				st = StateActive
			default:
				continue
			}

			s.logger.Debug("lifecycle: signal received",
				slog.String("signal", sig.String()), slog.String("state", string(st)))
			emit(st)
		}
	}
}
