package mirror_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anireap/anireap/internal/config"
	"github.com/anireap/anireap/internal/download"
	"github.com/anireap/anireap/internal/entitlement"
	"github.com/anireap/anireap/internal/events"
	"github.com/anireap/anireap/internal/mirror"
	"github.com/anireap/anireap/internal/notify"
	"github.com/anireap/anireap/internal/subscription"
	testutil "github.com/anireap/anireap/internal/testing"
	"github.com/anireap/anireap/internal/transfer"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var paths = mirror.Paths{ //nolint:gochecknoglobals // shared fixture
	DownloadPath:    "/media/anime",
	OvaDownloadPath: "/media/movies",
}

func mirrorConfig() config.MirrorConfig {
	return config.MirrorConfig{
		Enabled:      true,
		Backend:      "alist",
		Path:         "/remote/anime",
		OvaPath:      "/remote/movies",
		Retry:        5,
		PollInterval: time.Millisecond,
		MaxPolls:     3,
		Refresh:      true,
		RefreshDelay: time.Millisecond,
		QueueSize:    16,

		TaskRefreshDelay: time.Millisecond,
	}
}

type fixture struct {
	monitor  *mirror.Monitor
	backend  *testutil.MockBackend
	client   *testutil.MockClient
	notifier *testutil.RecordingNotifier
	fs       afero.Fs
}

func newFixture(t *testing.T, cfg config.MirrorConfig, entitled bool, opts ...mirror.Option) *fixture {
	t.Helper()

	f := &fixture{
		backend:  testutil.NewMockBackend(),
		client:   testutil.NewMockClient(),
		notifier: &testutil.RecordingNotifier{},
		fs:       afero.NewMemMapFs(),
	}

	opts = append([]mirror.Option{
		mirror.WithFs(f.fs),
		mirror.WithNotifier(f.notifier),
		mirror.WithEntitlement(entitlement.Static(entitled)),
	}, opts...)
	f.monitor = mirror.New(cfg, paths, f.backend, f.client, opts...)

	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.monitor.Start(context.Background()))
	t.Cleanup(f.monitor.Stop)
}

// item stores a completed item with files and writes those listed in onDisk.
func (f *fixture) item(t *testing.T, savePath string, files []download.FileRecord, onDisk ...string) *download.TrackedItem {
	t.Helper()

	hash := testutil.FakeHash()
	f.client.Put(testutil.MockItem{
		Hash:     hash,
		Name:     "Show A S02E01",
		SavePath: savePath,
		Category: download.TagOwned,
		Progress: 1,
		Tags:     []string{download.TagOwned},
		Files:    files,
	})
	for _, name := range onDisk {
		require.NoError(t, afero.WriteFile(f.fs, savePath+"/"+name, []byte(name), 0o644))
	}

	for _, it := range f.client.ListTrackedItems(context.Background()) {
		if it.Hash == hash {
			return it
		}
	}
	t.Fatalf("item %s not listed", hash)
	return nil
}

// listed returns a fresh copy of the stored item, as a new listing would.
func (f *fixture) listed(t *testing.T, hash string) *download.TrackedItem {
	t.Helper()

	for _, it := range f.client.ListTrackedItems(context.Background()) {
		if it.Hash == hash {
			return it
		}
	}
	t.Fatalf("item %s not listed", hash)
	return nil
}

func (f *fixture) idle() bool {
	return len(f.monitor.Tasks()) == 0
}

func episodeFiles() []download.FileRecord {
	return []download.FileRecord{
		{Index: 0, Name: "Show A S02E01.mkv", Size: 800 << 20, Priority: 1},
		{Index: 1, Name: "Show A S02E01.ass", Size: 2 << 20, Priority: 1},
	}
}

func TestEnqueue(t *testing.T) {
	show := subscription.Subscription{ID: "sub-1", Title: "Show A", Season: 2}
	savePath := "/media/anime/Show A/Season 2"

	t.Run("UploadsEveryFileToMappedPath", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), false)
		f.start(t)
		item := f.item(t, savePath, episodeFiles(), "Show A S02E01.mkv", "Show A S02E01.ass")

		queued, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)
		assert.True(t, queued)

		require.Eventually(t, func() bool { return len(f.backend.Uploads()) == 2 && f.idle() }, waitFor, tick)

		uploads := f.backend.Uploads()
		assert.Equal(t, "/media/anime/Show A/Season 2/Show A S02E01.mkv", uploads[0].LocalPath)
		assert.Equal(t, "/remote/anime/Show A/Season 2/Show A S02E01.mkv", uploads[0].RemotePath)
		assert.Equal(t, "/remote/anime/Show A/Season 2/Show A S02E01.ass", uploads[1].RemotePath)
		assert.Equal(t, 2, f.notifier.Count(notify.KindMirrorUpload))

		stored, ok := f.client.Item(item.Hash)
		require.True(t, ok)
		assert.Contains(t, stored.Tags, download.TagMirrored)
	})

	t.Run("MirroredTagShortCircuits", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), false)
		item := f.item(t, savePath, episodeFiles(), "Show A S02E01.mkv", "Show A S02E01.ass")
		item.Tags = append(item.Tags, download.TagMirrored)

		queued, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)
		assert.False(t, queued)
		assert.Zero(t, f.client.Calls("AddTags"))
		assert.Empty(t, f.monitor.Tasks())
	})

	t.Run("DisabledGlobally", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.Enabled = false
		f := newFixture(t, cfg, false)
		item := f.item(t, savePath, episodeFiles(), "Show A S02E01.mkv")

		queued, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)
		assert.False(t, queued)
		assert.Zero(t, f.client.TotalCalls()-f.client.Calls("ListTrackedItems"))
	})

	t.Run("DisabledBySubscription", func(t *testing.T) {
		off := false
		sub := show
		sub.Mirror = &off

		f := newFixture(t, mirrorConfig(), false)
		item := f.item(t, savePath, episodeFiles(), "Show A S02E01.mkv")

		queued, err := f.monitor.Enqueue(context.Background(), item, sub)
		require.NoError(t, err)
		assert.False(t, queued)
		assert.False(t, f.monitor.Enabled(sub))
	})

	t.Run("MissingFileStopsRemainingFiles", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), false)
		f.start(t)
		files := []download.FileRecord{
			{Index: 0, Name: "a.mkv", Size: 300, Priority: 1},
			{Index: 1, Name: "b.mkv", Size: 200, Priority: 1},
			{Index: 2, Name: "c.ass", Size: 100, Priority: 1},
		}
		item := f.item(t, savePath, files, "a.mkv", "c.ass")

		queued, err := f.monitor.Enqueue(context.Background(), item, show)
		require.ErrorIs(t, err, mirror.ErrMissingFile)
		assert.True(t, queued)

		require.Eventually(t, func() bool { return len(f.backend.Uploads()) == 1 && f.idle() }, waitFor, tick)
		assert.Equal(t, savePath+"/a.mkv", f.backend.Uploads()[0].LocalPath)
	})

	t.Run("ConcurrentCallersQueueOnce", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), false)
		item := f.item(t, savePath, episodeFiles(), "Show A S02E01.mkv", "Show A S02E01.ass")

		copies := make([]*download.TrackedItem, 8)
		for i := range copies {
			copies[i] = f.listed(t, item.Hash)
		}

		var (
			wg     sync.WaitGroup
			queued atomic.Int32
		)
		for _, c := range copies {
			wg.Go(func() {
				ok, err := f.monitor.Enqueue(context.Background(), c, show)
				assert.NoError(t, err)
				if ok {
					queued.Add(1)
				}
			})
		}
		wg.Wait()

		assert.Equal(t, int32(1), queued.Load())
		assert.Len(t, f.monitor.Tasks(), 2)

		f.start(t)
		require.Eventually(t, f.idle, waitFor, tick)
		assert.Len(t, f.backend.Uploads(), 2)
	})

	t.Run("ClaimReleasedWhenNothingQueued", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), false)
		item := f.item(t, savePath, episodeFiles())

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.ErrorIs(t, err, mirror.ErrMissingFile)

		require.NoError(t, afero.WriteFile(f.fs, savePath+"/Show A S02E01.mkv", []byte("v"), 0o644))
		require.NoError(t, afero.WriteFile(f.fs, savePath+"/Show A S02E01.ass", []byte("s"), 0o644))
		retry := f.listed(t, item.Hash)
		retry.Tags = []string{download.TagOwned}

		queued, err := f.monitor.Enqueue(context.Background(), retry, show)
		require.NoError(t, err)
		assert.True(t, queued)
	})

	t.Run("QueueFull", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.QueueSize = 1
		f := newFixture(t, cfg, false)
		item := f.item(t, savePath, episodeFiles(), "Show A S02E01.mkv", "Show A S02E01.ass")

		queued, err := f.monitor.Enqueue(context.Background(), item, show)
		require.ErrorIs(t, err, mirror.ErrQueueFull)
		assert.True(t, queued)
		assert.Len(t, f.monitor.Tasks(), 1)
	})
}

func TestUploadRetries(t *testing.T) {
	show := subscription.Subscription{ID: "sub-1", Title: "Show A", Season: 2}
	savePath := "/media/anime/Show A/Season 2"
	files := []download.FileRecord{{Index: 0, Name: "Show A S02E01.mkv", Size: 1024, Priority: 1}}

	t.Run("SucceedsAfterTwoFailures", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), true)
		f.backend.FailUploads(2)
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(f.backend.Uploads()) == 1 && f.idle() }, waitFor, tick)
		assert.Equal(t, 1, f.notifier.Count(notify.KindMirrorUpload))
		assert.Zero(t, f.notifier.Count(notify.KindError))
	})

	t.Run("RetryIgnoresPollInterval", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.PollInterval = time.Hour
		f := newFixture(t, cfg, false)
		f.backend.FailUploads(2)
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(f.backend.Uploads()) == 1 && f.idle() }, waitFor, tick)
	})

	t.Run("RetryDelayBetweenAttempts", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.RetryDelay = 100 * time.Millisecond
		f := newFixture(t, cfg, false)
		f.backend.FailUploads(2)
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		began := time.Now()
		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(f.backend.Uploads()) == 1 }, waitFor, tick)
		assert.GreaterOrEqual(t, time.Since(began), 2*cfg.RetryDelay)
	})

	t.Run("ExhaustedNotifiesWhenEntitled", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.Retry = 3
		f := newFixture(t, cfg, true)
		f.backend.FailUploads(10)
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return f.notifier.Count(notify.KindError) == 1 }, waitFor, tick)
		require.Eventually(t, f.idle, waitFor, tick)
		assert.Empty(t, f.backend.Uploads())
		assert.Zero(t, f.notifier.Count(notify.KindMirrorUpload))
	})

	t.Run("ExhaustedIsSilentWithoutEntitlement", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.Retry = 2
		f := newFixture(t, cfg, false)
		f.backend.FailUploads(10)
		bus := events.New()
		t.Cleanup(bus.Close)
		failed := bus.Subscribe(events.MirrorFailed)
		f.monitor = mirror.New(cfg, paths, f.backend, f.client,
			mirror.WithFs(f.fs),
			mirror.WithNotifier(f.notifier),
			mirror.WithEventBus(bus),
		)
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		select {
		case ev := <-failed:
			assert.Equal(t, item.Hash, ev.Hash)
			assert.Equal(t, "Show A S02E01.mkv", ev.Data["file"])
		case <-time.After(waitFor):
			t.Fatal("no mirror.failed event")
		}
		assert.Empty(t, f.notifier.Sent())
	})
}

func TestTaskPolling(t *testing.T) {
	show := subscription.Subscription{ID: "sub-1", Title: "Show A", Season: 2}
	savePath := "/media/anime/Show A/Season 2"
	files := []download.FileRecord{{Index: 0, Name: "Show A S02E01.mkv", Size: 1024, Priority: 1}}

	t.Run("SuccessfulPollResetsFailures", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), true)
		f.backend.Async = true
		// Four failed polls in total exceed MaxPolls=3 only if the counter never resets.
		f.backend.SetTaskScript(
			testutil.PollError, testutil.PollError, transfer.TaskPending,
			testutil.PollError, testutil.PollError, transfer.TaskSucceeded,
		)
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return f.notifier.Count(notify.KindMirrorEnd) == 1 }, waitFor, tick)
		require.Eventually(t, f.idle, waitFor, tick)
		assert.Equal(t, 6, f.backend.Polls())
		assert.Equal(t, []string{"/remote/anime", "/remote/anime/Show A/Season 2"}, f.backend.Refreshes())
	})

	t.Run("TaskRefreshUsesItsOwnDelay", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.RefreshDelay = time.Hour
		cfg.TaskRefreshDelay = 300 * time.Millisecond
		f := newFixture(t, cfg, false)
		f.backend.Async = true
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return f.notifier.Count(notify.KindMirrorEnd) == 1 }, waitFor, tick)
		assert.Empty(t, f.backend.Refreshes())

		require.Eventually(t, func() bool { return len(f.backend.Refreshes()) == 2 }, waitFor, tick)
		assert.Equal(t, []string{"/remote/anime", "/remote/anime/Show A/Season 2"}, f.backend.Refreshes())
	})

	t.Run("GivesUpAfterConsecutiveFailures", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), true)
		f.backend.Async = true
		f.backend.SetTaskScript(testutil.PollError)
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return f.backend.Polls() == 3 && f.idle() }, waitFor, tick)
		assert.Zero(t, f.notifier.Count(notify.KindMirrorEnd))
		assert.Empty(t, f.backend.Refreshes())
	})

	t.Run("RemoteFailureNotifies", func(t *testing.T) {
		f := newFixture(t, mirrorConfig(), true)
		f.backend.Async = true
		f.backend.SetTaskScript(transfer.TaskPending, transfer.TaskFailed)
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return f.notifier.Count(notify.KindError) == 1 }, waitFor, tick)
		assert.Equal(t, 1, f.notifier.Count(notify.KindMirrorUpload))
		assert.Zero(t, f.notifier.Count(notify.KindMirrorEnd))
	})

	t.Run("RefreshDisabled", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.Refresh = false
		f := newFixture(t, cfg, false)
		f.backend.Async = true
		f.start(t)
		item := f.item(t, savePath, files, "Show A S02E01.mkv")

		_, err := f.monitor.Enqueue(context.Background(), item, show)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return f.notifier.Count(notify.KindMirrorEnd) == 1 && f.idle() }, waitFor, tick)
		assert.Empty(t, f.backend.Refreshes())
	})
}

func TestRefreshDelayed(t *testing.T) {
	cfg := mirrorConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg, false)
	f.start(t)
	item := f.item(t, "/media/movies/Film B", nil)

	require.NoError(t, f.monitor.RefreshDelayed(item, subscription.Subscription{ID: "sub-2", OVA: true}))

	require.Eventually(t, func() bool { return len(f.backend.Refreshes()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"/remote/movies", "/remote/movies/Film B"}, f.backend.Refreshes())
	assert.Empty(t, f.backend.Uploads())

	t.Run("ItemAtRootRefreshesOnce", func(t *testing.T) {
		g := newFixture(t, cfg, false)
		g.start(t)
		atRoot := &download.TrackedItem{Hash: testutil.FakeHash(), SavePath: "/media/anime"}

		require.NoError(t, g.monitor.RefreshDelayed(atRoot, subscription.Subscription{ID: "sub-1"}))

		require.Eventually(t, func() bool { return len(g.backend.Refreshes()) == 1 && g.idle() }, waitFor, tick)
		assert.Equal(t, []string{"/remote/anime"}, g.backend.Refreshes())
	})
}

func TestRemoteDir(t *testing.T) {
	f := newFixture(t, mirrorConfig(), false)

	tests := []struct {
		name     string
		savePath string
		ova      bool
		want     string
	}{
		{name: "Season", savePath: "/media/anime/Show A/Season 2", want: "/remote/anime/Show A/Season 2"},
		{name: "TrailingSlash", savePath: "/media/anime/Show A/Season 2/", want: "/remote/anime/Show A/Season 2"},
		{name: "OVA", savePath: "/media/movies/Film B", ova: true, want: "/remote/movies/Film B"},
		{name: "OutsideRoot", savePath: "/elsewhere/Show C", want: "/remote/anime/Show C"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &download.TrackedItem{SavePath: tt.savePath}
			got := f.monitor.RemoteDir(item, subscription.Subscription{OVA: tt.ova})
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("OVAWithoutOvaRoot", func(t *testing.T) {
		cfg := mirrorConfig()
		cfg.OvaPath = ""
		g := newFixture(t, cfg, false)

		item := &download.TrackedItem{SavePath: "/media/movies/Film B"}
		assert.Equal(t, "/remote/anime/Film B", g.monitor.RemoteDir(item, subscription.Subscription{OVA: true}))
	})
}
