package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/condo/pkg/events"
	"github.com/cuemby/condo/pkg/log"
)

// Recorder turns deploy lifecycle events into DeployRecords
type Recorder struct {
	store   Store
	session int64
	logger  zerolog.Logger
}

// NewRecorder creates a recorder writing records for the session that
// started at session
func NewRecorder(store Store, session time.Time, logger *zerolog.Logger) *Recorder {
	l := log.WithComponent("history")
	if logger != nil {
		l = *logger
	}
	return &Recorder{store: store, session: session.UnixNano(), logger: l}
}

// Session returns the session key of records written by this recorder
func (r *Recorder) Session() int64 {
	return r.session
}

// Run records events from sub until ctx ends or sub is closed
func (r *Recorder) Run(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := r.Record(ev); err != nil {
				r.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to record deploy event")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Record applies one event to its Deploy's record. Events that do not
// concern a Deploy are ignored.
func (r *Recorder) Record(ev *events.Event) error {
	switch ev.Type {
	case events.EventDeployStarted, events.EventDeployStable, events.EventDeployFailed, events.EventDeployStopped:
	default:
		return nil
	}

	generation := ev.Generation()
	if generation == 0 {
		return nil
	}

	record, err := r.store.GetDeploy(r.session, generation)
	if errors.Is(err, ErrNotFound) {
		record = &DeployRecord{
			Session:    r.session,
			Generation: generation,
			Name:       ev.Metadata[events.MetaName],
			Image:      ev.Metadata[events.MetaImage],
		}
	} else if err != nil {
		return err
	}

	switch ev.Type {
	case events.EventDeployStarted:
		record.StartedAt = ev.Timestamp
		record.ContainerID = ev.Metadata[events.MetaContainer]
	case events.EventDeployStable:
		record.StableAt = ev.Timestamp
	case events.EventDeployFailed:
		record.FailedAt = ev.Timestamp
		record.Error = failureReason(ev)
	case events.EventDeployStopped:
		record.StoppedAt = ev.Timestamp
		if msg := ev.Metadata[events.MetaError]; msg != "" {
			record.Error = msg
		}
	}

	return r.store.PutDeploy(record)
}

func failureReason(ev *events.Event) string {
	if msg := ev.Metadata[events.MetaError]; msg != "" {
		return msg
	}
	return ev.Message
}

// Handler serves the newest records as JSON. The optional limit query
// parameter caps the count (default 20).
func Handler(store Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		records, err := store.ListDeploys(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []*DeployRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	})
}
