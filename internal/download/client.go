// Package download drives the remote torrent client.
package download

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/anireap/anireap/internal/config"
	"github.com/anireap/anireap/internal/subscription"
)

// Reserved tags. TagOwned doubles as the category of every submitted item.
const (
	TagOwned    = "anireap"
	TagBackup   = "anireap-backup"
	TagRenamed  = "anireap-renamed"
	TagMirrored = "anireap-mirrored"
)

// DefaultSubgroup tags releases whose subgroup is unknown.
const DefaultSubgroup = "unknown-group"

// ErrMetadataPending is returned by RenameFiles while the client has not yet
// resolved the file list of a magnet link. The caller retries on a later sweep.
var ErrMetadataPending = errors.New("metadata not yet available")

// ErrUnknownType is returned by Registry.New for unregistered client types.
var ErrUnknownType = errors.New("unknown download client type")

// configurable is implemented by all clients to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
	setFs(afero.Fs)
}

// Option is a functional option for configuring clients.
type Option func(configurable)

// WithLogger sets the logger for any client.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

// WithFs sets the filesystem used to read torrent payloads and clean up
// leftover directories.
func WithFs(fs afero.Fs) Option {
	return func(c configurable) {
		c.setFs(fs)
	}
}

// Release is one rendered feed entry ready for submission.
type Release struct {
	// Name is the canonical rename target, e.g. "Show A - S02E01".
	Name     string
	Subgroup string
	// Master is false for backup releases from secondary feeds.
	Master  bool
	Episode float64
	// TorrentFile is a .torrent payload, a .txt file holding a magnet URL, or
	// an empty file whose base name is the info hash.
	TorrentFile string
}

// FileRecord is one file inside a tracked item.
type FileRecord struct {
	Index    int
	Name     string
	Size     int64
	Priority int // 0 = excluded
}

// FileLoader fetches the media files of an item.
type FileLoader func(ctx context.Context) []FileRecord

// TrackedItem is a torrent owned by this system.
type TrackedItem struct {
	Hash     string
	Name     string
	SavePath string
	Category string
	State    string
	Progress float64 // completed / size
	Size     int64
	Tags     []string

	once  sync.Once
	load  FileLoader
	files []FileRecord
}

// WithFiles sets the loader behind Files and returns the item.
func (t *TrackedItem) WithFiles(load FileLoader) *TrackedItem {
	t.load = load
	return t
}

// Files returns the selected media files of the item. The listing is fetched
// at most once per TrackedItem.
func (t *TrackedItem) Files(ctx context.Context) []FileRecord {
	t.once.Do(func() {
		if t.load != nil {
			t.files = t.load(ctx)
		}
	})
	return t.files
}

// HasTag reports whether the item carries tag.
func (t *TrackedItem) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// Complete reports whether all selected files finished downloading.
func (t *TrackedItem) Complete() bool {
	return t.Progress >= 1
}

// Client is the contract every torrent client adapter implements. Remote
// failures are logged and reported as false or empty results.
type Client interface {
	// Name identifies this client instance in logs.
	Name() string
	// Type returns the client type, e.g. "qbittorrent".
	Type() string

	// Login authenticates; false when unconfigured or rejected.
	Login(ctx context.Context) bool
	// ListTrackedItems returns all items owned by this system.
	ListTrackedItems(ctx context.Context) []*TrackedItem
	// AddItem submits a release and, unless verification is disabled, waits
	// for the client to report it.
	AddItem(ctx context.Context, sub subscription.Subscription, release Release, savePath string, ova bool) bool
	// FetchFileListing returns the files of item, optionally only media files
	// ordered by descending size.
	FetchFileListing(ctx context.Context, item *TrackedItem, filterMedia bool) []FileRecord
	// RenameFiles moves the files of item to their canonical names and starts it.
	RenameFiles(ctx context.Context, item *TrackedItem) error
	// Start resumes a stopped item.
	Start(ctx context.Context, item *TrackedItem) bool
	// AddTags adds tags to item. On success item.Tags carries them too.
	AddTags(ctx context.Context, item *TrackedItem, tags ...string) bool
	// SetSavePath moves item to path.
	SetSavePath(ctx context.Context, item *TrackedItem, path string) bool
	// DeleteItem removes item from the client.
	DeleteItem(ctx context.Context, item *TrackedItem, deleteFiles bool) bool
	// UpdateTrackers sets the trackers appended to new items.
	UpdateTrackers(ctx context.Context, trackers []string) error
}

// Factory creates a client from configuration.
type Factory func(cfg config.DownloaderConfig, opts ...Option) Client

// Registry maps client types to their constructors.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in client types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("qbittorrent", NewQBittorrent)
	return r
}

// Register adds or replaces the constructor for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.factories[typ] = f
}

// Types returns the registered client types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// New creates a client of the configured type.
func (r *Registry) New(cfg config.DownloaderConfig, opts ...Option) (Client, error) {
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	return f(cfg, opts...), nil
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
