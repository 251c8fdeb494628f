package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/condo/pkg/events"
)

func newTestRecorder(t *testing.T) (*Recorder, *BoltStore) {
	t.Helper()
	store := newTestStore(t)
	logger := zerolog.Nop()
	return NewRecorder(store, time.Unix(0, 42), &logger), store
}

func deployEvent(typ events.EventType, generation string, ts time.Time, kv ...string) *events.Event {
	meta := map[string]string{
		events.MetaGeneration: generation,
		events.MetaImage:      "web:2",
		events.MetaName:       "web",
	}
	for i := 0; i+1 < len(kv); i += 2 {
		meta[kv[i]] = kv[i+1]
	}
	return &events.Event{Type: typ, Timestamp: ts, Message: string(typ), Metadata: meta}
}

func TestRecorder_Lifecycle(t *testing.T) {
	r, store := newTestRecorder(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Record(deployEvent(events.EventDeployStarted, "2", t0, events.MetaContainer, "abc")))
	require.NoError(t, r.Record(deployEvent(events.EventDeployStable, "2", t0.Add(time.Second))))
	require.NoError(t, r.Record(deployEvent(events.EventDeployStopped, "2", t0.Add(time.Minute))))

	record, err := store.GetDeploy(42, 2)
	require.NoError(t, err)
	assert.Equal(t, "web", record.Name)
	assert.Equal(t, "web:2", record.Image)
	assert.Equal(t, "abc", record.ContainerID)
	assert.True(t, t0.Equal(record.StartedAt))
	assert.True(t, t0.Add(time.Second).Equal(record.StableAt))
	assert.Equal(t, "stopped", record.Status())
	assert.Empty(t, record.Error)
}

func TestRecorder_FailureReason(t *testing.T) {
	r, store := newTestRecorder(t)
	now := time.Now()

	require.NoError(t, r.Record(deployEvent(events.EventDeployFailed, "1", now, events.MetaError, "pull failed")))
	ev := deployEvent(events.EventDeployFailed, "2", now)
	ev.Message = "health deadline exceeded"
	require.NoError(t, r.Record(ev))

	first, err := store.GetDeploy(42, 1)
	require.NoError(t, err)
	assert.Equal(t, "pull failed", first.Error)

	second, err := store.GetDeploy(42, 2)
	require.NoError(t, err)
	assert.Equal(t, "health deadline exceeded", second.Error)
	assert.Equal(t, "failed", second.Status())
}

func TestRecorder_IgnoresOtherEvents(t *testing.T) {
	r, store := newTestRecorder(t)

	require.NoError(t, r.Record(&events.Event{Type: events.EventStateChanged, Metadata: map[string]string{}}))
	require.NoError(t, r.Record(deployEvent(events.EventDeployStarted, "not-a-number", time.Now())))

	records, err := store.ListDeploys(0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecorder_RunFromBroker(t *testing.T) {
	r, store := newTestRecorder(t)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, sub)
		close(done)
	}()

	broker.Publish(deployEvent(events.EventDeployStarted, "5", time.Now()))

	require.Eventually(t, func() bool {
		_, err := store.GetDeploy(42, 5)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestHandler(t *testing.T) {
	store := newTestStore(t)
	for g := uint64(1); g <= 3; g++ {
		require.NoError(t, store.PutDeploy(&DeployRecord{Session: 1, Generation: g, Image: "web:1"}))
	}

	rec := httptest.NewRecorder()
	Handler(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var records []DeployRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Generation)

	rec = httptest.NewRecorder()
	Handler(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	Handler(store).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/history", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
