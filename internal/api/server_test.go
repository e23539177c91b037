package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anireap/anireap/apitypes"
	"github.com/anireap/anireap/internal/api"
	"github.com/anireap/anireap/internal/events"
	"github.com/anireap/anireap/internal/mirror"
	"github.com/anireap/anireap/internal/orchestrator"
	"github.com/anireap/anireap/internal/subscription"
	"github.com/anireap/anireap/internal/timeline"
	"github.com/anireap/anireap/internal/transfer"
)

type fakeEngine struct {
	mu        sync.Mutex
	store     subscription.Store
	busy      bool
	sweeps    int
	refreshed []string
	moved     [][2]subscription.Subscription
	purged    []string
}

func (e *fakeEngine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

func (e *fakeEngine) SavePath(sub subscription.Subscription) string {
	return "/media/anime/" + sub.Title
}

func (e *fakeEngine) StartSweep() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return orchestrator.ErrBusy
	}
	e.sweeps++
	return nil
}

func (e *fakeEngine) StartRefresh(id string) (subscription.Subscription, error) {
	sub, err := e.store.Get(id)
	if err != nil {
		return sub, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return sub, orchestrator.ErrBusy
	}
	e.refreshed = append(e.refreshed, id)
	return sub, nil
}

func (e *fakeEngine) MoveSubscription(_ context.Context, old, updated subscription.Subscription) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.moved = append(e.moved, [2]subscription.Subscription{old, updated})
	return 2
}

func (e *fakeEngine) PurgeSubscription(_ context.Context, sub subscription.Subscription, _ bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.purged = append(e.purged, sub.ID)
	return 1
}

type fakeTasks []mirror.Task

func (f fakeTasks) Tasks() []mirror.Task { return f }

type fixture struct {
	server   *api.Server
	engine   *fakeEngine
	store    *subscription.FileStore
	recorder timeline.Recorder
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := subscription.NewFileStore("/config/subscriptions.yaml", subscription.WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)

	engine := &fakeEngine{store: store}
	recorder := timeline.NewRecorder()
	bus := events.New()

	tasks := fakeTasks{{
		ID:         "job-1",
		Hash:       "abc",
		TargetPath: "/remote/anime/Show A/Season 1/Show A - S01E01.mkv",
		State:      transfer.TaskPending,
		QueuedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}

	srv := api.New(engine, store,
		api.WithMirror(tasks),
		api.WithTimeline(recorder),
		api.WithEventBus(bus),
	)

	return &fixture{server: srv, engine: engine, store: store, recorder: recorder, bus: bus}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Add(subscription.Subscription{Title: "Show A", URL: "http://feed/a", Enable: true})
	require.NoError(t, err)
	_, err = f.store.Add(subscription.Subscription{Title: "Show B", URL: "http://feed/b"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[apitypes.HealthResponse](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[apitypes.Stats](t, rec)
	assert.Equal(t, 2, stats.Subscriptions)
	assert.Equal(t, 1, stats.Enabled)
	assert.Equal(t, 1, stats.MirrorTasks)
	assert.False(t, stats.Busy)
}

func TestSubscriptions(t *testing.T) {
	t.Run("CreateStartsRefresh", func(t *testing.T) {
		f := newFixture(t)
		added := f.bus.Subscribe(events.SubscriptionAdded)

		rec := f.do(t, http.MethodPost, "/api/subscriptions",
			`{"title":"Show A","url":"http://feed/a","season":2,"enable":true}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		sub := decode[apitypes.Subscription](t, rec)
		assert.NotEmpty(t, sub.ID)
		assert.Equal(t, 2, sub.Season)
		assert.Equal(t, "/media/anime/Show A", sub.SavePath)
		assert.Equal(t, []string{sub.ID}, f.engine.refreshed)

		select {
		case ev := <-added:
			assert.Equal(t, sub.ID, ev.Subscription)
		case <-time.After(time.Second):
			t.Fatal("subscription.added not published")
		}
	})

	t.Run("CreateDisabledDoesNotRefresh", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/api/subscriptions", `{"title":"Show A","url":"http://feed/a"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, 1, decode[apitypes.Subscription](t, rec).Season)
		assert.Empty(t, f.engine.refreshed)
	})

	t.Run("CreateRequiresURL", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/api/subscriptions", `{"title":"Show A"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("CreateDuplicateConflicts", func(t *testing.T) {
		f := newFixture(t)

		require.Equal(t, http.StatusCreated,
			f.do(t, http.MethodPost, "/api/subscriptions", `{"title":"Show A","url":"http://feed/a"}`).Code)
		rec := f.do(t, http.MethodPost, "/api/subscriptions", `{"title":"Again","url":"http://feed/a"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("ListAndGet", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.store.Add(subscription.Subscription{Title: "Show A", URL: "http://feed/a", Season: 1})
		require.NoError(t, err)

		rec := f.do(t, http.MethodGet, "/api/subscriptions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[[]apitypes.Subscription](t, rec)
		require.Len(t, list, 1)
		assert.Equal(t, sub.ID, list[0].ID)

		rec = f.do(t, http.MethodGet, "/api/subscriptions/"+sub.ID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Show A", decode[apitypes.Subscription](t, rec).Title)

		rec = f.do(t, http.MethodGet, "/api/subscriptions/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("InvalidID", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodGet, "/api/subscriptions/bad.id", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("UpdateWithMove", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.store.Add(subscription.Subscription{Title: "Show A", URL: "http://feed/a", Season: 1})
		require.NoError(t, err)

		rec := f.do(t, http.MethodPut, "/api/subscriptions/"+sub.ID+"?move=true",
			`{"title":"Show A2","season":2,"enable":true}`)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[apitypes.UpdateResponse](t, rec)
		assert.Equal(t, 2, resp.Moved)
		assert.Equal(t, "http://feed/a", resp.Subscription.URL, "url kept when omitted")

		require.Len(t, f.engine.moved, 1)
		assert.Equal(t, "Show A", f.engine.moved[0][0].Title)
		assert.Equal(t, "Show A2", f.engine.moved[0][1].Title)

		stored, err := f.store.Get(sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.Season)
		assert.Equal(t, sub.CreatedAt, stored.CreatedAt)
	})

	t.Run("UpdateWithoutMove", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.store.Add(subscription.Subscription{Title: "Show A", URL: "http://feed/a"})
		require.NoError(t, err)

		rec := f.do(t, http.MethodPut, "/api/subscriptions/"+sub.ID, `{"title":"Show A2"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decode[apitypes.UpdateResponse](t, rec).Moved)
		assert.Empty(t, f.engine.moved)
	})

	t.Run("UpdateUnknownIsNotFound", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPut, "/api/subscriptions/missing", `{"title":"Show A"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, f.store.List())
	})

	t.Run("DeleteWithFiles", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.store.Add(subscription.Subscription{Title: "Show A", URL: "http://feed/a"})
		require.NoError(t, err)

		rec := f.do(t, http.MethodDelete, "/api/subscriptions/"+sub.ID+"?deleteFiles=true", "")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[apitypes.DeleteResponse](t, rec)
		assert.Equal(t, 1, resp.Removed)
		assert.Equal(t, 1, resp.Deleted)
		assert.Equal(t, []string{sub.ID}, f.engine.purged)
		assert.Empty(t, f.store.List())
	})

	t.Run("DeleteKeepsItems", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.store.Add(subscription.Subscription{Title: "Show A", URL: "http://feed/a"})
		require.NoError(t, err)

		rec := f.do(t, http.MethodDelete, "/api/subscriptions/"+sub.ID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, f.engine.purged)

		rec = f.do(t, http.MethodDelete, "/api/subscriptions/"+sub.ID, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("BatchEnable", func(t *testing.T) {
		f := newFixture(t)
		a, err := f.store.Add(subscription.Subscription{Title: "A", URL: "http://feed/a"})
		require.NoError(t, err)
		b, err := f.store.Add(subscription.Subscription{Title: "B", URL: "http://feed/b", Enable: true})
		require.NoError(t, err)

		rec := f.do(t, http.MethodPost, "/api/subscriptions/enable",
			`{"ids":["`+a.ID+`","`+b.ID+`","missing"],"enable":true}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, decode[apitypes.BatchResponse](t, rec).Updated)

		for _, sub := range f.store.List() {
			assert.True(t, sub.Enable, sub.Title)
		}
	})
}

func TestReconciliationTriggers(t *testing.T) {
	t.Run("SweepAccepted", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/api/sweep", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 1, f.engine.sweeps)
	})

	t.Run("SweepBusy", func(t *testing.T) {
		f := newFixture(t)
		f.engine.busy = true

		rec := f.do(t, http.MethodPost, "/api/sweep", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Zero(t, f.engine.sweeps)
	})

	t.Run("RefreshAccepted", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.store.Add(subscription.Subscription{Title: "Show A", URL: "http://feed/a"})
		require.NoError(t, err)

		rec := f.do(t, http.MethodPost, "/api/subscriptions/"+sub.ID+"/refresh", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, sub.ID, decode[apitypes.Accepted](t, rec).Subscription)
	})

	t.Run("RefreshBusy", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.store.Add(subscription.Subscription{Title: "Show A", URL: "http://feed/a"})
		require.NoError(t, err)
		f.engine.busy = true

		rec := f.do(t, http.MethodPost, "/api/subscriptions/"+sub.ID+"/refresh", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("RefreshUnknown", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(t, http.MethodPost, "/api/subscriptions/missing/refresh", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMirrorTasks(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/mirror/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)

	tasks := decode[[]apitypes.MirrorTask](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, "job-1", tasks[0].ID)
	assert.Equal(t, "pending", tasks[0].State)
	assert.Equal(t, "2026-01-02T03:04:05Z", tasks[0].QueuedAt)
}

func TestTimeline(t *testing.T) {
	f := newFixture(t)
	for i := range 3 {
		f.recorder.Record(timeline.Event{
			Type:         string(events.ItemSubmitted),
			Message:      "Submitted",
			Hash:         []string{"h1", "h2", "h1"}[i],
			Subscription: "sub-a",
		})
	}
	f.recorder.Record(timeline.Event{Type: string(events.SweepStarted), Message: "Sweep"})

	rec := f.do(t, http.MethodGet, "/api/timeline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]apitypes.TimelineEvent](t, rec)
	require.Len(t, all, 4)
	assert.Equal(t, string(events.SweepStarted), all[0].Type, "newest first")

	rec = f.do(t, http.MethodGet, "/api/timeline?limit=2", "")
	assert.Len(t, decode[[]apitypes.TimelineEvent](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/items/h1/timeline", "")
	assert.Len(t, decode[[]apitypes.TimelineEvent](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/subscriptions/sub-a/timeline", "")
	assert.Len(t, decode[[]apitypes.TimelineEvent](t, rec), 3)
}
