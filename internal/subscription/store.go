package subscription

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/anireap/anireap/internal/fileutil"
)

// fileDocument is the on-disk layout of the subscription file.
type fileDocument struct {
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// FileStore is a Store backed by a single YAML file.
// Every mutation holds the list mutex and rewrites the file.
type FileStore struct {
	path   string
	fs     afero.Fs
	logger zerolog.Logger

	mu   sync.Mutex
	subs []Subscription
}

// Option is a functional option for configuring the FileStore.
type Option func(*FileStore)

// WithLogger sets the logger for the store.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// WithFs sets the filesystem the store reads and writes.
func WithFs(fs afero.Fs) Option {
	return func(s *FileStore) {
		s.fs = fs
	}
}

// NewFileStore opens the subscription file at path. A missing file yields an
// empty store; the file is created on the first write.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		fs:     afero.NewOsFs(),
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info().Str("path", path).Msg("subscription file not found, starting empty")
			return s, nil
		}
		return nil, fmt.Errorf("reading subscriptions: %w", err)
	}

	var doc fileDocument
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing subscriptions: %w", err)
	}
	s.subs = doc.Subscriptions

	s.logger.Info().Int("count", len(s.subs)).Msg("subscriptions loaded")

	return s, nil
}

// List returns a snapshot of all subscriptions.
func (s *FileStore) List() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subs)
}

// Get returns the subscription with the given ID.
func (s *FileStore) Get(id string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Subscription{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.subs[i], nil
}

// Add stores sub. Feed URLs are unique across the list.
func (s *FileStore) Add(sub Subscription) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subs {
		if sub.URL != "" && existing.URL == sub.URL {
			return Subscription{}, fmt.Errorf("%w: %s", ErrDuplicate, existing.DisplayName())
		}
	}

	if sub.ID == "" {
		sub.ID = ulid.Make().String()
	} else if s.indexOf(sub.ID) >= 0 {
		return Subscription{}, fmt.Errorf("%w: %s", ErrDuplicate, sub.ID)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	s.subs = append(s.subs, sub)
	if err := s.writeLocked(); err != nil {
		s.subs = s.subs[:len(s.subs)-1]
		return Subscription{}, err
	}

	s.logger.Info().Str("id", sub.ID).Str("title", sub.Title).Msg("subscription added")

	return sub, nil
}

// Update replaces the stored subscription with the same ID.
func (s *FileStore) Update(sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(sub.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sub.ID)
	}

	prev := s.subs[i]
	s.subs[i] = sub
	if err := s.writeLocked(); err != nil {
		s.subs[i] = prev
		return err
	}

	return nil
}

// Modify applies fn to the subscription with the given ID under the store
// lock and writes the list. The ID cannot be changed by fn.
func (s *FileStore) Modify(id string, fn func(*Subscription)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Subscription{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prev := s.subs[i]
	next := prev
	fn(&next)
	next.ID = prev.ID

	s.subs[i] = next
	if err := s.writeLocked(); err != nil {
		s.subs[i] = prev
		return Subscription{}, err
	}

	return next, nil
}

// Remove deletes the subscriptions with the given IDs. Unknown IDs are ignored;
// ErrNotFound is returned only when none matched.
func (s *FileStore) Remove(ids ...string) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Subscription
	kept := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if slices.Contains(ids, sub.ID) {
			removed = append(removed, sub)
			continue
		}
		kept = append(kept, sub)
	}

	if len(removed) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, ids)
	}

	prev := s.subs
	s.subs = kept
	if err := s.writeLocked(); err != nil {
		s.subs = prev
		return nil, err
	}

	for _, sub := range removed {
		s.logger.Info().Str("id", sub.ID).Str("title", sub.Title).Msg("subscription removed")
	}

	return removed, nil
}

// Sync writes the current list to disk.
func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

func (s *FileStore) indexOf(id string) int {
	return slices.IndexFunc(s.subs, func(sub Subscription) bool {
		return sub.ID == id
	})
}

// writeLocked writes the list to a temp file and renames it into place.
// Callers must hold s.mu.
func (s *FileStore) writeLocked() error {
	data, err := yaml.Marshal(fileDocument{Subscriptions: s.subs})
	if err != nil {
		return fmt.Errorf("encoding subscriptions: %w", err)
	}

	if err = fileutil.WriteFile(s.fs, s.path, data); err != nil {
		return fmt.Errorf("writing subscriptions: %w", err)
	}

	return nil
}
