package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNotRunning is returned when the watched container exits during a wait
var ErrNotRunning = errors.New("container is not running")

// Target is one service check awaited by a Waiter
type Target struct {
	Name    string
	Checker Checker
	Config  Config
}

// AliveFunc reports whether the checked workload is still running
type AliveFunc func(ctx context.Context) (bool, error)

// Waiter runs every target's check until all of them pass, the context
// ends, or Alive reports the workload gone.
type Waiter struct {
	Targets []Target

	// Alive is polled every AliveInterval while checks run. Optional.
	Alive         AliveFunc
	AliveInterval time.Duration

	Logger zerolog.Logger
}

// Wait blocks until every target passes. It returns nil on success,
// ErrNotRunning when the workload stopped, or the context error wrapped
// with the last failing check result.
func (w *Waiter) Wait(ctx context.Context) error {
	if len(w.Targets) == 0 {
		return w.checkAlive(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	var pending sync.WaitGroup
	for _, target := range w.Targets {
		pending.Add(1)
		g.Go(func() error {
			defer pending.Done()
			return w.waitTarget(gctx, target)
		})
	}

	if w.Alive != nil {
		checksDone := make(chan struct{})
		go func() {
			pending.Wait()
			close(checksDone)
		}()
		g.Go(func() error {
			return w.watchAlive(gctx, checksDone)
		})
	}

	return g.Wait()
}

func (w *Waiter) waitTarget(ctx context.Context, target Target) error {
	config := target.Config.withDefaults()
	status := NewStatus()

	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, config.Timeout)
		result := target.Checker.Check(attemptCtx)
		cancel()

		status.Update(result)
		w.Logger.Debug().
			Str("service", target.Name).
			Bool("healthy", result.Healthy).
			Int("attempt", status.Attempts).
			Msg(result.Message)

		if status.Passing(config) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("service %s: %w (last result: %s)", target.Name, ctx.Err(), status.LastResult.Message)
		case <-ticker.C:
		}
	}
}

func (w *Waiter) watchAlive(ctx context.Context, checksDone <-chan struct{}) error {
	interval := w.AliveInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-checksDone:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.checkAlive(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Waiter) checkAlive(ctx context.Context) error {
	if w.Alive == nil {
		return nil
	}
	running, err := w.Alive(ctx)
	if err != nil {
		// transient inspection errors do not fail the wait
		w.Logger.Warn().Err(err).Msg("Failed to inspect workload")
		return ctx.Err()
	}
	if !running {
		return ErrNotRunning
	}
	return nil
}
