// Package mirror copies completed downloads to remote storage on a single
// background worker and follows asynchronous upload tasks to completion.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/anireap/anireap/internal/config"
	"github.com/anireap/anireap/internal/download"
	"github.com/anireap/anireap/internal/entitlement"
	"github.com/anireap/anireap/internal/events"
	"github.com/anireap/anireap/internal/notify"
	"github.com/anireap/anireap/internal/subscription"
	"github.com/anireap/anireap/internal/transfer"
)

// ErrMissingFile is returned by Enqueue when a file of the item is not on disk.
var ErrMissingFile = errors.New("local file missing")

// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
var ErrQueueFull = errors.New("mirror queue full")

const defaultShutdownTimeout = 10 * time.Second

// Task is one file on its way to the remote storage.
type Task struct {
	ID           string             `json:"id"`
	Hash         string             `json:"hash"`
	Subscription string             `json:"subscription"`
	LocalPath    string             `json:"localPath"`
	TargetPath   string             `json:"targetPath"`
	RemoteTaskID string             `json:"remoteTaskId,omitempty"`
	State        transfer.TaskState `json:"state"`
	Retries      int                `json:"retries"`
	QueuedAt     time.Time          `json:"queuedAt"`

	sub  subscription.Subscription
	kind jobKind
}

type jobKind int

const (
	jobUpload jobKind = iota
	jobRefresh
)

// Paths locates downloads on the local disk.
type Paths struct {
	DownloadPath    string
	OvaDownloadPath string
}

// Monitor owns the mirror queue and its worker.
type Monitor struct {
	cfg         config.MirrorConfig
	paths       Paths
	backend     transfer.Backend
	client      download.Client
	notifier    notify.Notifier
	entitlement entitlement.Checker
	eventBus    *events.Bus
	fs          afero.Fs
	logger      zerolog.Logger

	queue chan *Task

	mu     sync.RWMutex
	tasks  map[string]*Task
	claims map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithFs sets the filesystem used to check local files.
func WithFs(fs afero.Fs) Option {
	return func(m *Monitor) {
		m.fs = fs
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Monitor) {
		m.notifier = n
	}
}

// WithEntitlement sets the checker gating failure notifications.
func WithEntitlement(c entitlement.Checker) Option {
	return func(m *Monitor) {
		m.entitlement = c
	}
}

// WithEventBus publishes mirror progress on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Monitor) {
		m.eventBus = bus
	}
}

// New creates a Monitor. Start must be called before jobs are processed.
func New(
	cfg config.MirrorConfig,
	paths Paths,
	backend transfer.Backend,
	client download.Client,
	opts ...Option,
) *Monitor {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultMirrorQueueSize
	}
	if cfg.Retry <= 0 {
		cfg.Retry = config.DefaultMirrorRetry
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = config.DefaultMirrorMaxPolls
	}
	if cfg.TaskRefreshDelay <= 0 {
		cfg.TaskRefreshDelay = config.DefaultMirrorTaskRefreshDelay
	}

	m := &Monitor{
		cfg:         cfg,
		paths:       paths,
		backend:     backend,
		client:      client,
		notifier:    notify.Nop{},
		entitlement: entitlement.Static(false),
		fs:          afero.NewOsFs(),
		logger:      zerolog.Nop(),
		queue:       make(chan *Task, queueSize),
		tasks:       make(map[string]*Task),
		claims:      make(map[string]int),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start launches the worker.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Go(func() {
		m.run(ctx)
	})

	m.logger.Info().Str("backend", m.backend.Name()).Int("capacity", cap(m.queue)).Msg("mirror monitor started")
	return nil
}

// Stop cancels the in-flight job and waits for the worker to exit.
// Queued jobs are dropped.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(defaultShutdownTimeout):
		m.logger.Warn().Msg("timeout waiting for mirror worker")
	}

	if err := m.backend.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("error closing mirror backend")
	}

	m.logger.Info().Msg("mirror monitor stopped")
}

// Enabled reports whether completed items of sub are mirrored.
func (m *Monitor) Enabled(sub subscription.Subscription) bool {
	return sub.MirrorEnabled(m.cfg.Enabled)
}

// Enqueue queues the selected files of item for upload. It returns false
// without side effects when mirroring is disabled for sub or the item already
// carries the mirrored tag. A missing local file stops queuing the remaining
// files of the item.
//
// An item is claimed by its hash until its last upload job finishes, so
// concurrent callers holding stale copies of the same item queue it once.
func (m *Monitor) Enqueue(ctx context.Context, item *download.TrackedItem, sub subscription.Subscription) (bool, error) {
	if !m.Enabled(sub) || item.HasTag(download.TagMirrored) {
		return false, nil
	}

	logger := m.logger.With().Str("hash", item.Hash).Str("name", item.Name).Logger()

	if !m.claim(item.Hash) {
		logger.Debug().Msg("item already being mirrored")
		return false, nil
	}
	defer m.release(item.Hash)

	if !m.client.AddTags(ctx, item, download.TagMirrored) {
		logger.Warn().Msg("failed to tag item as mirrored")
	}

	dir := m.RemoteDir(item, sub)
	queued := 0
	for _, f := range item.Files(ctx) {
		local := filepath.Join(item.SavePath, filepath.FromSlash(f.Name))

		exists, err := afero.Exists(m.fs, local)
		if err != nil || !exists {
			logger.Error().Err(err).Str("file", local).Msg("file to mirror is missing, skipping the rest of the item")
			m.publish(events.MirrorFailed, item.Hash, sub, map[string]any{"file": f.Name, "error": "local file missing"})
			return queued > 0, fmt.Errorf("%w: %s", ErrMissingFile, local)
		}

		task := &Task{
			ID:           uuid.NewString(),
			Hash:         item.Hash,
			Subscription: sub.ID,
			LocalPath:    local,
			TargetPath:   path.Join(dir, f.Name),
			State:        transfer.TaskPending,
			QueuedAt:     time.Now(),
			sub:          sub,
			kind:         jobUpload,
		}
		if err = m.push(task, f.Size); err != nil {
			return queued > 0, err
		}
		queued++
	}

	logger.Info().Int("files", queued).Str("target", dir).Msg("queued for mirroring")
	m.publish(events.MirrorQueued, item.Hash, sub, map[string]any{"files": queued, "target": dir})

	return queued > 0, nil
}

// RefreshDelayed queues a refresh of the remote directory of item. It is used
// when the download directory is served by the remote storage directly.
// It does nothing unless refresh is enabled.
func (m *Monitor) RefreshDelayed(item *download.TrackedItem, sub subscription.Subscription) error {
	if !m.cfg.Refresh {
		return nil
	}
	return m.push(&Task{
		ID:           uuid.NewString(),
		Hash:         item.Hash,
		Subscription: sub.ID,
		TargetPath:   m.RemoteDir(item, sub),
		State:        transfer.TaskPending,
		QueuedAt:     time.Now(),
		sub:          sub,
		kind:         jobRefresh,
	}, 0)
}

func (m *Monitor) push(task *Task, size int64) error {
	m.mu.Lock()
	m.tasks[task.ID] = task
	if task.kind == jobUpload {
		m.claims[task.Hash]++
	}
	m.mu.Unlock()

	select {
	case m.queue <- task:
		m.logger.Debug().Str("task", task.ID).Str("target", task.TargetPath).Int64("size", size).Msg("mirror job queued")
		return nil
	default:
		m.forget(task)
		m.logger.Error().Str("target", task.TargetPath).Int("capacity", cap(m.queue)).Msg("mirror queue full, job dropped")
		return ErrQueueFull
	}
}

// Tasks returns a snapshot of queued and running tasks, oldest first.
func (m *Monitor) Tasks() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, *t)
	}
	slices.SortFunc(tasks, func(a, b Task) int {
		return a.QueuedAt.Compare(b.QueuedAt)
	})
	return tasks
}

// RemoteDir maps the save directory of item into the remote tree: the remote
// root (the OVA root for OVA subscriptions when configured) joined with the
// save path relative to the matching download root.
func (m *Monitor) RemoteDir(item *download.TrackedItem, sub subscription.Subscription) string {
	localRoot := m.paths.DownloadPath
	if sub.OVA && m.paths.OvaDownloadPath != "" {
		localRoot = m.paths.OvaDownloadPath
	}

	rel, err := filepath.Rel(localRoot, item.SavePath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(item.SavePath)
	}

	return path.Join(m.remoteRoot(sub), filepath.ToSlash(rel))
}

func (m *Monitor) remoteRoot(sub subscription.Subscription) string {
	if sub.OVA && m.cfg.OvaPath != "" {
		return path.Join("/", m.cfg.OvaPath)
	}
	return path.Join("/", m.cfg.Path)
}

func (m *Monitor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-m.queue:
			switch task.kind {
			case jobUpload:
				m.upload(ctx, task)
			case jobRefresh:
				m.refresh(ctx, task, m.cfg.RefreshDelay)
			}
			m.forget(task)
		}
	}
}

func (m *Monitor) forget(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		return
	}
	delete(m.tasks, task.ID)
	if task.kind == jobUpload {
		m.releaseLocked(task.Hash)
	}
}

// claim marks hash as being mirrored. It fails while an earlier claim or one
// of its upload jobs is outstanding.
func (m *Monitor) claim(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claims[hash] > 0 {
		return false
	}
	m.claims[hash] = 1
	return true
}

func (m *Monitor) release(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(hash)
}

func (m *Monitor) releaseLocked(hash string) {
	m.claims[hash]--
	if m.claims[hash] <= 0 {
		delete(m.claims, hash)
	}
}

func (m *Monitor) update(task *Task, fn func(*Task)) {
	m.mu.Lock()
	fn(task)
	m.mu.Unlock()
}

// upload runs one upload job with retries and follows its remote task.
func (m *Monitor) upload(ctx context.Context, task *Task) {
	logger := m.logger.With().Str("task", task.ID).Str("file", task.LocalPath).Str("target", task.TargetPath).Logger()
	file := path.Base(task.TargetPath)

	var (
		remoteID string
		err      error
	)
	for attempt := 1; attempt <= m.cfg.Retry; attempt++ {
		remoteID, err = m.backend.Upload(ctx, transfer.Request{
			LocalPath:  task.LocalPath,
			RemotePath: task.TargetPath,
		}, nil)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}

		m.update(task, func(t *Task) { t.Retries = attempt })
		logger.Warn().Err(err).Int("attempt", attempt).Int("max", m.cfg.Retry).Msg("mirror upload failed")

		if attempt < m.cfg.Retry && sleep(ctx, m.cfg.RetryDelay) != nil {
			return
		}
	}

	if err != nil {
		m.update(task, func(t *Task) { t.State = transfer.TaskFailed })
		logger.Error().Err(err).Msg("mirror upload gave up")
		m.publish(events.MirrorFailed, task.Hash, task.sub, map[string]any{"file": file, "error": err.Error()})
		m.notifyFailure(task.sub, fmt.Sprintf("Mirror upload failed: %s", file))
		return
	}

	logger.Info().Str("remote_task", remoteID).Msg("mirror upload accepted")
	m.publish(events.MirrorUploaded, task.Hash, task.sub, map[string]any{"file": file, "target": task.TargetPath})
	m.notifier.Send(task.sub, fmt.Sprintf("Uploaded to mirror: %s", file), notify.KindMirrorUpload)

	if remoteID == "" {
		m.update(task, func(t *Task) { t.State = transfer.TaskSucceeded })
		m.refreshAfter(ctx, task)
		return
	}

	m.update(task, func(t *Task) { t.RemoteTaskID = remoteID })
	m.follow(ctx, task)
}

// follow polls a remote upload task until it reaches a terminal state or
// MaxPolls consecutive polls fail. Any successful poll resets the failure count.
func (m *Monitor) follow(ctx context.Context, task *Task) {
	logger := m.logger.With().Str("task", task.ID).Str("remote_task", task.RemoteTaskID).Logger()
	file := path.Base(task.TargetPath)

	failures := 0
	for failures < m.cfg.MaxPolls {
		if sleep(ctx, m.cfg.PollInterval) != nil {
			return
		}

		state, err := m.backend.TaskStatus(ctx, task.RemoteTaskID)
		if err != nil {
			failures++
			logger.Debug().Err(err).Int("failures", failures).Msg("mirror task poll failed")
			continue
		}
		failures = 0

		switch state {
		case transfer.TaskPending:
			continue
		case transfer.TaskSucceeded:
			m.update(task, func(t *Task) { t.State = transfer.TaskSucceeded })
			logger.Info().Msg("mirror task finished")
			m.publish(events.MirrorCompleted, task.Hash, task.sub, map[string]any{"file": file, "target": task.TargetPath})
			m.notifier.Send(task.sub, fmt.Sprintf("Mirror finished: %s", file), notify.KindMirrorEnd)
			m.refreshAfter(ctx, task)
			return
		case transfer.TaskFailed:
			m.update(task, func(t *Task) { t.State = transfer.TaskFailed })
			logger.Error().Msg("mirror task failed on the remote")
			m.publish(events.MirrorFailed, task.Hash, task.sub, map[string]any{"file": file, "error": "remote task failed"})
			m.notifyFailure(task.sub, fmt.Sprintf("Mirror task failed: %s", file))
			return
		}
	}

	m.update(task, func(t *Task) { t.State = transfer.TaskFailed })
	logger.Error().Int("polls", m.cfg.MaxPolls).Msg("mirror task status unavailable, giving up")
	m.publish(events.MirrorFailed, task.Hash, task.sub, map[string]any{"file": file, "error": "task status unavailable"})
}

// refreshAfter refreshes the directory of a finished upload once the remote
// has had TaskRefreshDelay to settle.
func (m *Monitor) refreshAfter(ctx context.Context, task *Task) {
	if !m.cfg.Refresh {
		return
	}
	m.refresh(ctx, &Task{
		ID:         task.ID,
		Hash:       task.Hash,
		TargetPath: path.Dir(task.TargetPath),
		sub:        task.sub,
	}, m.cfg.TaskRefreshDelay)
}

// refresh waits delay, then refreshes the remote root of the subscription
// followed by the target directory. A newly created directory is only listed
// once its parents have been rescanned.
func (m *Monitor) refresh(ctx context.Context, task *Task, delay time.Duration) {
	if sleep(ctx, delay) != nil {
		return
	}

	dirs := []string{m.remoteRoot(task.sub)}
	if task.TargetPath != dirs[0] {
		dirs = append(dirs, task.TargetPath)
	}
	for _, dir := range dirs {
		if err := m.backend.Refresh(ctx, dir); err != nil {
			m.logger.Warn().Err(err).Str("dir", dir).Msg("failed to refresh remote listing")
			return
		}
	}

	m.publish(events.MirrorRefreshed, task.Hash, task.sub, map[string]any{"target": task.TargetPath})
}

func (m *Monitor) notifyFailure(sub subscription.Subscription, text string) {
	if !m.entitlement.IsEntitled() {
		return
	}
	m.notifier.Send(sub, text, notify.KindError)
}

func (m *Monitor) publish(typ events.Type, hash string, sub subscription.Subscription, data map[string]any) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Publish(events.Event{
		Type:         typ,
		Subscription: sub.ID,
		Hash:         hash,
		Name:         sub.DisplayName(),
		Data:         data,
	})
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
