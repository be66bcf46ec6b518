package status

import (
	"context"
	"fmt"
	"os"

	"github.com/sourcegraph/conc/panics"

	"github.com/bardlex/tproxy/pkg/errors"
	"github.com/bardlex/tproxy/pkg/log"
)

// Supervisor runs component tasks and stops the process on the first
// shutdown event or interrupt. There is no restart policy.
type Supervisor struct {
	ch     *Channel
	logger *log.Logger

	// OnStatus, if set, sees every event before it is acted on.
	OnStatus func(Status)
}

// NewSupervisor creates a supervisor draining ch
func NewSupervisor(ch *Channel, logger *log.Logger) *Supervisor {
	return &Supervisor{
		ch:     ch,
		logger: logger.WithComponent("supervisor"),
	}
}

// Go spawns fn as a supervised task. A returned error or a recovered panic is
// reported through sender as a shutdown; a clean return reports Healthy.
// Cancellation of ctx counts as a clean return.
func (s *Supervisor) Go(ctx context.Context, sender *Sender, name string, fn func(ctx context.Context) error) {
	go func() {
		var err error
		var pc panics.Catcher
		pc.Try(func() {
			err = fn(ctx)
		})

		if recovered := pc.Recovered(); recovered != nil {
			err = errors.Wrap(recovered.AsError(), errors.ErrorTypeInternal, name, "task panicked")
		}

		if err != nil && ctx.Err() == nil {
			sender.Shutdown(err)
			return
		}
		sender.Healthy(fmt.Sprintf("%s finished", name))
	}()
}

// Run blocks until a shutdown event arrives, an interrupt is received or ctx
// is cancelled. It returns nil for an interrupt or cancellation and the
// component error for a shutdown.
func (s *Supervisor) Run(ctx context.Context, interrupt <-chan os.Signal) error {
	for {
		for {
			st, ok := s.ch.TryRecv()
			if !ok {
				break
			}
			if s.OnStatus != nil {
				s.OnStatus(st)
			}
			if !st.State.IsShutdown() {
				s.logger.Info(st.Message, "from", st.Component)
				continue
			}

			s.logger.Error("component shut down",
				"from", st.Component,
				"state", st.State.String(),
				"error_type", string(errors.TypeOf(st.Err)),
				"error", fmt.Sprint(st.Err),
			)
			if st.Err == nil {
				return fmt.Errorf("%s: %s", st.Component, st.State)
			}
			return fmt.Errorf("%s: %w", st.Component, st.Err)
		}

		select {
		case <-s.ch.Ready():
		case sig := <-interrupt:
			s.logger.Info("interrupt received", "signal", sig.String())
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
