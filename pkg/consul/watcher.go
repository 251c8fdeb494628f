package consul

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/condo/pkg/log"
	"github.com/cuemby/condo/pkg/metrics"
)

const (
	// DefaultWait is the long-poll wait sent to the agent
	DefaultWait = 10 * time.Second

	// DefaultRetryDelay is the pause after a failed request
	DefaultRetryDelay = 5 * time.Second

	// DefaultMinInterval is the minimum spacing between two requests
	DefaultMinInterval = time.Second
)

// KVReader is the blocking read a Watcher polls
type KVReader interface {
	GetKey(ctx context.Context, key string, index uint64, wait time.Duration) (KeyResponse, error)
}

// WatcherConfig configures a Watcher
type WatcherConfig struct {
	Key         string
	Wait        time.Duration
	RetryDelay  time.Duration
	MinInterval time.Duration

	// Logger defaults to the global logger with component=watch and the key
	Logger *zerolog.Logger
}

// Watcher long-polls one key and emits its payload whenever the key's index
// moves. Unchanged or missing keys produce nothing.
type Watcher struct {
	reader  KVReader
	config  WatcherConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewWatcher creates a watcher for config.Key
func NewWatcher(reader KVReader, config WatcherConfig) *Watcher {
	if config.Wait == 0 {
		config.Wait = DefaultWait
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MinInterval == 0 {
		config.MinInterval = DefaultMinInterval
	}

	logger := log.WithKey("watch", config.Key)
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Watcher{
		reader:  reader,
		config:  config,
		limiter: rate.NewLimiter(rate.Every(config.MinInterval), 1),
		logger:  logger,
	}
}

// Watch starts polling in a goroutine. The returned channel has capacity 1,
// so a slow consumer holds the watcher back. It is closed when ctx ends.
func (w *Watcher) Watch(ctx context.Context) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		defer close(out)
		_ = w.Run(ctx, out)
	}()
	return out
}

// Run polls until ctx ends, sending each new payload to out
func (w *Watcher) Run(ctx context.Context, out chan<- []byte) error {
	var index uint64

	metrics.RegisterComponent(metrics.ComponentWatch, true, "starting")

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		resp, err := w.reader.GetKey(ctx, w.config.Key, index, w.config.Wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.WatchRequests.WithLabelValues("error").Inc()
			metrics.UpdateComponent(metrics.ComponentWatch, false, err.Error())

			event := w.logger.Error().Err(err).Uint64("index", index)
			if code := StatusCode(err); code != 0 {
				event = event.Int("status", code)
			}
			event.Dur("retry_in", w.config.RetryDelay).Msg("Watch request failed")

			if !sleep(ctx, w.config.RetryDelay) {
				return ctx.Err()
			}
			continue
		}
		metrics.UpdateComponent(metrics.ComponentWatch, true, "")

		if resp.Index < index {
			// the index went backwards (snapshot restore, key recreated): start over
			w.logger.Warn().Uint64("index", index).Uint64("new_index", resp.Index).Msg("Consul index went backwards, resetting")
			index = 0
			continue
		}

		if !resp.Changed {
			metrics.WatchRequests.WithLabelValues("unchanged").Inc()
			w.logger.Debug().Uint64("index", index).Msg("No new content")
			continue
		}
		index = resp.Index

		if !resp.Exists {
			metrics.WatchRequests.WithLabelValues("missing").Inc()
			w.logger.Info().Uint64("index", index).Msg("Key does not exist yet")
			continue
		}

		metrics.WatchRequests.WithLabelValues("changed").Inc()
		w.logger.Info().Uint64("index", index).Int("bytes", len(resp.Value)).Msg("Key changed")

		select {
		case out <- resp.Value:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
