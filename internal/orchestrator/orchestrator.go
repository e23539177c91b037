// Package orchestrator drives subscriptions through the torrent lifecycle:
// submit, confirm, rename, tag and hand off to the mirror.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anireap/anireap/internal/config"
	"github.com/anireap/anireap/internal/download"
	"github.com/anireap/anireap/internal/entitlement"
	"github.com/anireap/anireap/internal/events"
	"github.com/anireap/anireap/internal/guard"
	"github.com/anireap/anireap/internal/naming"
	"github.com/anireap/anireap/internal/notify"
	"github.com/anireap/anireap/internal/subscription"
)

// State is a step of the per-item lifecycle.
type State string

const (
	// StateSubmitted indicates the release was sent to the client.
	StateSubmitted State = "submitted"
	// StateAppeared indicates the client reported the item.
	StateAppeared State = "appeared"
	// StateRenamed indicates the files carry their canonical names.
	StateRenamed State = "renamed"
	// StateTagged indicates the rename marker tag was applied.
	StateTagged State = "tagged"
	// StateMirrorRequested indicates the item was handed to the mirror.
	StateMirrorRequested State = "mirror_requested"
	// StateDone indicates the lifecycle finished for this run.
	StateDone State = "done"
)

// Default configuration values.
const (
	defaultMonitorInterval = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

var (
	// ErrBusy is returned when a reconciliation is already running.
	ErrBusy = errors.New("reconciliation already running")
	// ErrNotConfirmed is returned when the client never reported a submission.
	ErrNotConfirmed = errors.New("submission not confirmed")
	// ErrItemNotFound is returned when a confirmed submission is missing from the listing.
	ErrItemNotFound = errors.New("submitted item not listed")
	// ErrUnavailable is returned when the download client rejects the login.
	ErrUnavailable = errors.New("download client unavailable")
	// ErrNoFeed is returned when no feed is configured.
	ErrNoFeed = errors.New("no feed configured")
)

// Feed yields the releases of a subscription.
type Feed interface {
	FetchItems(ctx context.Context, sub subscription.Subscription) ([]download.Release, error)
	CurrentEpisodeNumber(sub subscription.Subscription, releases []download.Release) int
}

// Mirror receives completed items.
type Mirror interface {
	Enabled(sub subscription.Subscription) bool
	Enqueue(ctx context.Context, item *download.TrackedItem, sub subscription.Subscription) (bool, error)
	RefreshDelayed(item *download.TrackedItem, sub subscription.Subscription) error
}

type noMirror struct{}

func (noMirror) Enabled(subscription.Subscription) bool { return false }

func (noMirror) Enqueue(context.Context, *download.TrackedItem, subscription.Subscription) (bool, error) {
	return false, nil
}

func (noMirror) RefreshDelayed(*download.TrackedItem, subscription.Subscription) error { return nil }

// Result describes how far one release got.
type Result struct {
	Subscription string  `json:"subscription"`
	Release      string  `json:"release"`
	Hash         string  `json:"hash,omitempty"`
	State        State   `json:"state"`
	Steps        []State `json:"steps"`
}

func (r *Result) reach(s State) {
	r.State = s
	r.Steps = append(r.Steps, s)
}

// Orchestrator runs the lifecycle against one download client.
type Orchestrator struct {
	client          download.Client
	store           subscription.Store
	cfg             config.DownloaderConfig
	feed            Feed
	mirror          Mirror
	guard           *guard.Guard
	notifier        notify.Notifier
	entitlement     entitlement.Checker
	eventBus        *events.Bus
	monitorInterval time.Duration
	logger          zerolog.Logger

	notifiedMu sync.Mutex
	notified   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithFeed sets the release feed.
func WithFeed(feed Feed) Option {
	return func(o *Orchestrator) {
		o.feed = feed
	}
}

// WithMirror sets the mirror receiving completed items.
func WithMirror(m Mirror) Option {
	return func(o *Orchestrator) {
		o.mirror = m
	}
}

// WithGuard shares a reconciliation guard.
func WithGuard(g *guard.Guard) Option {
	return func(o *Orchestrator) {
		o.guard = g
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithEntitlement sets the checker gating failure notifications.
func WithEntitlement(c entitlement.Checker) Option {
	return func(o *Orchestrator) {
		o.entitlement = c
	}
}

// WithEventBus publishes lifecycle transitions on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.eventBus = bus
	}
}

// WithMonitorInterval sets how often completed items are checked.
func WithMonitorInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.monitorInterval = d
	}
}

// New creates a new Orchestrator.
func New(client download.Client, store subscription.Store, cfg config.DownloaderConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:          client,
		store:           store,
		cfg:             cfg,
		mirror:          noMirror{},
		guard:           &guard.Guard{},
		notifier:        notify.Nop{},
		entitlement:     entitlement.Static(false),
		monitorInterval: defaultMonitorInterval,
		logger:          zerolog.Nop(),
		notified:        make(map[string]bool),
		ctx:             context.Background(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Start begins the completion monitor loop. Items already complete at startup
// are not announced again.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Go(o.monitorLoop)

	o.logger.Info().Dur("interval", o.monitorInterval).Msg("orchestrator started")
	return nil
}

// Stop cancels background work and waits for it with a timeout.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Debug().Msg("all goroutines completed cleanly")
	case <-time.After(defaultShutdownTimeout):
		o.logger.Warn().Msg("timeout waiting for goroutines, some reconciliations may still be running")
	}

	o.logger.Info().Msg("orchestrator stopped")
}

// Busy reports whether a reconciliation holds the guard.
func (o *Orchestrator) Busy() bool {
	return o.guard.Busy()
}

// SavePath returns the download directory of sub.
func (o *Orchestrator) SavePath(sub subscription.Subscription) string {
	title := naming.SanitizeFilename(sub.DisplayName())
	if sub.OVA && o.cfg.OvaDownloadPath != "" {
		return filepath.Join(o.cfg.OvaDownloadPath, title)
	}
	return filepath.Join(o.cfg.DownloadPath, title, fmt.Sprintf("Season %d", sub.Season))
}

// Process submits release and drives it until the mirror hand-off. A release
// that the client never confirms fails with ErrNotConfirmed.
func (o *Orchestrator) Process(ctx context.Context, sub subscription.Subscription, release download.Release) (Result, error) {
	res := Result{Subscription: sub.ID, Release: release.Name}
	logger := o.logger.With().Str("subscription", sub.DisplayName()).Str("release", release.Name).Logger()

	res.reach(StateSubmitted)
	if !o.client.AddItem(ctx, sub, release, o.SavePath(sub), sub.OVA) {
		logger.Error().Msg("download client did not confirm the submission")
		o.publish(events.ItemFailed, sub, "", release.Name, map[string]any{"error": ErrNotConfirmed.Error()})
		o.notifyFailure(sub, fmt.Sprintf("Download not confirmed: %s", release.Name))
		return res, fmt.Errorf("%w: %s", ErrNotConfirmed, release.Name)
	}

	logger.Info().Bool("master", release.Master).Float64("episode", release.Episode).Msg("release submitted")
	o.publish(events.ItemSubmitted, sub, "", release.Name, map[string]any{"episode": release.Episode})
	o.notifier.Send(sub, fmt.Sprintf("Download started: %s", release.Name), notify.KindDownloadStart)

	item := o.find(ctx, release.Name)
	if item == nil {
		logger.Warn().Msg("submitted item not found in client listing")
		return res, fmt.Errorf("%w: %s", ErrItemNotFound, release.Name)
	}

	res.Hash = item.Hash
	res.reach(StateAppeared)
	o.publish(events.ItemAppeared, sub, item.Hash, item.Name, nil)

	return o.advance(ctx, sub, item, res)
}

// advance renames, tags and hands off an item the client already knows about.
// Items carrying the rename marker skip straight to the hand-off.
func (o *Orchestrator) advance(
	ctx context.Context,
	sub subscription.Subscription,
	item *download.TrackedItem,
	res Result,
) (Result, error) {
	logger := o.logger.With().Str("hash", item.Hash).Str("name", item.Name).Logger()

	if !item.HasTag(download.TagRenamed) {
		if o.cfg.Rename {
			if err := o.client.RenameFiles(ctx, item); err != nil {
				logger.Warn().Err(err).Msg("rename failed, will retry on the next sweep")
				o.publish(events.ItemFailed, sub, item.Hash, item.Name, map[string]any{"error": err.Error()})
				return res, fmt.Errorf("renaming %s: %w", item.Name, err)
			}
			o.publish(events.ItemRenamed, sub, item.Hash, item.Name, nil)
		}
		res.reach(StateRenamed)

		if o.client.AddTags(ctx, item, download.TagRenamed) {
			o.publish(events.ItemTagged, sub, item.Hash, item.Name, map[string]any{"tag": download.TagRenamed})
		} else {
			logger.Warn().Msg("failed to add rename marker tag")
		}
	}
	res.reach(StateTagged)

	if item.Complete() && o.mirror.Enabled(sub) {
		queued, err := o.mirror.Enqueue(ctx, item, sub)
		if err != nil {
			logger.Warn().Err(err).Msg("mirror hand-off incomplete")
		}
		if queued {
			res.reach(StateMirrorRequested)
		}
	}

	res.reach(StateDone)
	return res, nil
}

func (o *Orchestrator) find(ctx context.Context, name string) *download.TrackedItem {
	for _, item := range o.client.ListTrackedItems(ctx) {
		if item.Name == name {
			return item
		}
	}
	return nil
}

// DownloadSubscription submits the new releases of sub and resumes releases
// that were submitted earlier but never finished renaming. The episode count
// of sub only advances past confirmed submissions. It returns the results of
// the releases it touched; per-release failures are joined into the error.
func (o *Orchestrator) DownloadSubscription(ctx context.Context, sub subscription.Subscription) ([]Result, error) {
	if o.feed == nil {
		return nil, ErrNoFeed
	}

	logger := o.logger.With().Str("subscription", sub.DisplayName()).Logger()

	releases, err := o.feed.FetchItems(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("fetching feed of %s: %w", sub.DisplayName(), err)
	}

	tracked := make(map[string]*download.TrackedItem)
	for _, item := range o.client.ListTrackedItems(ctx) {
		tracked[item.Name] = item
	}

	var (
		results   []Result
		confirmed []download.Release
		errs      []error
	)
	for _, release := range releases {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		if item, ok := tracked[release.Name]; ok {
			confirmed = append(confirmed, release)
			if item.HasTag(download.TagRenamed) {
				continue
			}
			res := Result{Subscription: sub.ID, Release: release.Name, Hash: item.Hash}
			res.reach(StateAppeared)
			res, err = o.advance(ctx, sub, item, res)
			results = append(results, res)
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if sub.CurrentEpisodeNumber > 0 && release.Episode <= float64(sub.CurrentEpisodeNumber) {
			logger.Debug().Str("release", release.Name).Msg("episode already downloaded, skipping")
			continue
		}

		res, err := o.Process(ctx, sub, release)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrNotConfirmed) {
				continue
			}
		}
		confirmed = append(confirmed, release)
	}

	if n := o.feed.CurrentEpisodeNumber(sub, confirmed); n > sub.CurrentEpisodeNumber {
		if err = o.updateEpisodeCount(sub.ID, n); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info().Int("episode", n).Msg("episode count advanced")
		}
	}

	return results, errors.Join(errs...)
}

// updateEpisodeCount raises the stored count to n. Concurrent edits of other
// fields are kept.
func (o *Orchestrator) updateEpisodeCount(id string, n int) error {
	if _, err := o.store.Modify(id, func(sub *subscription.Subscription) {
		sub.CurrentEpisodeNumber = max(sub.CurrentEpisodeNumber, n)
	}); err != nil {
		return fmt.Errorf("updating subscription %s: %w", id, err)
	}
	return nil
}

// Sweep reconciles every enabled subscription. It fails with ErrBusy, without
// contacting the client, while another reconciliation is running.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	if !o.guard.TryAcquire() {
		o.publish(events.SweepSkipped, subscription.Subscription{}, "", "", nil)
		return ErrBusy
	}
	defer o.guard.Release()

	return o.sweep(ctx)
}

// StartSweep acquires the guard and runs a sweep in the background.
func (o *Orchestrator) StartSweep() error {
	if !o.guard.TryAcquire() {
		o.publish(events.SweepSkipped, subscription.Subscription{}, "", "", nil)
		return ErrBusy
	}

	o.wg.Go(func() {
		defer o.guard.Release()
		if err := o.sweep(o.ctx); err != nil {
			o.logger.Error().Err(err).Msg("sweep finished with errors")
		}
	})
	return nil
}

func (o *Orchestrator) sweep(ctx context.Context) error {
	started := time.Now()
	o.publish(events.SweepStarted, subscription.Subscription{}, "", "", nil)

	if !o.client.Login(ctx) {
		return ErrUnavailable
	}

	var (
		errs  []error
		count int
	)
	for _, sub := range o.store.List() {
		if !sub.Enable {
			continue
		}
		count++

		if _, err := o.DownloadSubscription(ctx, sub); err != nil {
			o.logger.Error().Err(err).Str("subscription", sub.DisplayName()).Msg("subscription reconciliation failed")
			errs = append(errs, err)
		}
	}

	o.logger.Info().Int("subscriptions", count).Int("failed", len(errs)).Dur("took", time.Since(started)).Msg("sweep completed")
	o.publish(events.SweepCompleted, subscription.Subscription{}, "", "", map[string]any{
		"subscriptions": count,
		"failed":        len(errs),
	})

	return errors.Join(errs...)
}

// RefreshSubscription reconciles the subscription with id under the guard.
func (o *Orchestrator) RefreshSubscription(ctx context.Context, id string) ([]Result, error) {
	sub, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !o.guard.TryAcquire() {
		return nil, ErrBusy
	}
	defer o.guard.Release()

	if !o.client.Login(ctx) {
		return nil, ErrUnavailable
	}
	return o.DownloadSubscription(ctx, sub)
}

// StartRefresh looks up the subscription, acquires the guard and reconciles it
// in the background.
func (o *Orchestrator) StartRefresh(id string) (subscription.Subscription, error) {
	sub, err := o.store.Get(id)
	if err != nil {
		return sub, err
	}
	if !o.guard.TryAcquire() {
		return sub, ErrBusy
	}

	o.wg.Go(func() {
		defer o.guard.Release()

		if !o.client.Login(o.ctx) {
			o.logger.Warn().Str("subscription", sub.DisplayName()).Msg("download client unavailable, refresh skipped")
			return
		}
		if _, err := o.DownloadSubscription(o.ctx, sub); err != nil {
			o.logger.Error().Err(err).Str("subscription", sub.DisplayName()).Msg("refresh finished with errors")
		}
	})
	return sub, nil
}

// MoveSubscription moves the items of old to the save path of updated. It
// returns how many items were moved.
func (o *Orchestrator) MoveSubscription(ctx context.Context, old, updated subscription.Subscription) int {
	from, to := o.SavePath(old), o.SavePath(updated)
	if from == to || !o.client.Login(ctx) {
		return 0
	}

	moved := 0
	for _, item := range o.itemsAt(ctx, from) {
		if o.client.SetSavePath(ctx, item, to) {
			moved++
		}
	}

	o.logger.Info().Str("from", from).Str("to", to).Int("items", moved).Msg("subscription moved")
	return moved
}

// PurgeSubscription deletes the items of sub from the client. It returns how
// many items were deleted.
func (o *Orchestrator) PurgeSubscription(ctx context.Context, sub subscription.Subscription, deleteFiles bool) int {
	if !o.client.Login(ctx) {
		return 0
	}

	deleted := 0
	for _, item := range o.itemsAt(ctx, o.SavePath(sub)) {
		if o.client.DeleteItem(ctx, item, deleteFiles) {
			deleted++
			o.forgetNotified(item.Hash)
			o.publish(events.ItemDeleted, sub, item.Hash, item.Name, map[string]any{"deleteFiles": deleteFiles})
		}
	}
	return deleted
}

func (o *Orchestrator) itemsAt(ctx context.Context, dir string) []*download.TrackedItem {
	var items []*download.TrackedItem
	for _, item := range o.client.ListTrackedItems(ctx) {
		if filepath.Clean(item.SavePath) == filepath.Clean(dir) {
			items = append(items, item)
		}
	}
	return items
}

// MonitorCompletion announces newly completed items and hands those not yet
// mirrored to the mirror. With renaming enabled an item is only handed over
// once it carries the renamed tag.
func (o *Orchestrator) MonitorCompletion(ctx context.Context) {
	o.monitor(ctx, false)
}

func (o *Orchestrator) monitorLoop() {
	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()

	o.monitor(o.ctx, true)

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.monitor(o.ctx, false)
		}
	}
}

// monitor checks complete items. With silent set, completions are only
// remembered, not announced.
func (o *Orchestrator) monitor(ctx context.Context, silent bool) {
	if o.guard.Busy() {
		o.logger.Debug().Msg("reconciliation running, completion check deferred")
		return
	}
	if !o.client.Login(ctx) {
		return
	}

	subs := o.store.List()
	for _, item := range o.client.ListTrackedItems(ctx) {
		if !item.Complete() {
			continue
		}

		sub, ok := o.subscriptionFor(item, subs)
		if !ok {
			o.logger.Debug().Str("name", item.Name).Str("save_path", item.SavePath).Msg("no subscription for completed item")
			continue
		}

		if o.markNotified(item.Hash) && !silent {
			o.logger.Info().Str("hash", item.Hash).Str("name", item.Name).Msg("download complete")
			o.publish(events.DownloadComplete, sub, item.Hash, item.Name, nil)
			o.notifier.Send(sub, fmt.Sprintf("Download complete: %s", item.Name), notify.KindDownloadEnd)

			if !o.mirror.Enabled(sub) {
				if err := o.mirror.RefreshDelayed(item, sub); err != nil {
					o.logger.Warn().Err(err).Str("name", item.Name).Msg("failed to queue remote refresh")
				}
			}
		}

		if !o.mirror.Enabled(sub) || item.HasTag(download.TagMirrored) {
			continue
		}
		// Files keep their provisional names until the renamed tag lands.
		if o.cfg.Rename && !item.HasTag(download.TagRenamed) {
			o.logger.Debug().Str("hash", item.Hash).Str("name", item.Name).Msg("complete but not renamed yet, mirror deferred")
			continue
		}
		if _, err := o.mirror.Enqueue(ctx, item, sub); err != nil {
			o.logger.Warn().Err(err).Str("name", item.Name).Msg("mirror hand-off incomplete")
		}
	}
}

func (o *Orchestrator) subscriptionFor(item *download.TrackedItem, subs []subscription.Subscription) (subscription.Subscription, bool) {
	dir := filepath.Clean(item.SavePath)
	for _, sub := range subs {
		if o.SavePath(sub) == dir {
			return sub, true
		}
	}
	return subscription.Subscription{}, false
}

// markNotified records hash and reports whether it was new.
func (o *Orchestrator) markNotified(hash string) bool {
	o.notifiedMu.Lock()
	defer o.notifiedMu.Unlock()

	if o.notified[hash] {
		return false
	}
	o.notified[hash] = true
	return true
}

func (o *Orchestrator) forgetNotified(hash string) {
	o.notifiedMu.Lock()
	delete(o.notified, hash)
	o.notifiedMu.Unlock()
}

func (o *Orchestrator) notifyFailure(sub subscription.Subscription, text string) {
	if !o.entitlement.IsEntitled() {
		return
	}
	o.notifier.Send(sub, text, notify.KindError)
}

func (o *Orchestrator) publish(typ events.Type, sub subscription.Subscription, hash, name string, data map[string]any) {
	if o.eventBus == nil {
		return
	}
	if name == "" {
		name = sub.DisplayName()
	}
	o.eventBus.Publish(events.Event{
		Type:         typ,
		Subscription: sub.ID,
		Hash:         hash,
		Name:         name,
		Data:         data,
	})
}
