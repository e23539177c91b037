// Package testing provides mock implementations and fake servers for use in
// tests. This package should only be imported by test files (*_test.go).
package testing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/anireap/anireap/internal/download"
	"github.com/anireap/anireap/internal/naming"
	"github.com/anireap/anireap/internal/notify"
	"github.com/anireap/anireap/internal/subscription"
	"github.com/anireap/anireap/internal/transfer"
)

// ErrMockUpload is returned by MockBackend for scripted upload failures.
var ErrMockUpload = errors.New("mock upload failed")

// ErrMockPoll is returned by MockBackend for scripted poll failures.
var ErrMockPoll = errors.New("mock poll failed")

// PollError in a MockBackend task script makes that poll fail.
const PollError transfer.TaskState = -1

// FakeHash returns a random 40 character lowercase hex info hash.
func FakeHash() string {
	return strings.ReplaceAll(gofakeit.UUID(), "-", "") + gofakeit.Regex("[0-9a-f]{8}")
}

// MockItem is the state MockClient keeps for one torrent.
type MockItem struct {
	Hash     string
	Name     string
	SavePath string
	Category string
	Progress float64
	Tags     []string
	Files    []download.FileRecord
}

// AddCall is a recorded MockClient.AddItem invocation.
type AddCall struct {
	Subscription subscription.Subscription
	Release      download.Release
	SavePath     string
	OVA          bool
}

// MockClient is an in-memory download.Client. Submitted releases appear as
// owned items with a single video file named after the release.
type MockClient struct {
	mu       sync.Mutex
	items    []*MockItem
	calls    map[string]int
	sequence []string
	adds     []AddCall
	trackers []string

	// LoginFails makes Login report the client as unavailable.
	LoginFails bool
	// TagFails makes AddTags report failure without tagging.
	TagFails bool

	// Hooks for custom behavior
	OnAddItem     func(ctx context.Context, sub subscription.Subscription, release download.Release) bool
	OnRenameFiles func(ctx context.Context, item *download.TrackedItem) error
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{calls: make(map[string]int)}
}

func (m *MockClient) record(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.sequence = append(m.sequence, method)
	m.mu.Unlock()
}

// Sequence returns the invoked methods in call order.
func (m *MockClient) Sequence() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sequence)
}

// Calls returns how many times method was invoked.
func (m *MockClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// TotalCalls returns the number of client calls made so far.
func (m *MockClient) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// AddCalls returns the recorded submissions.
func (m *MockClient) AddCalls() []AddCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.adds)
}

// Trackers returns the trackers last set through UpdateTrackers.
func (m *MockClient) Trackers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.trackers)
}

// Put stores item, replacing any item with the same hash.
func (m *MockClient) Put(item MockItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item.Tags = slices.Clone(item.Tags)
	item.Files = slices.Clone(item.Files)
	for i, existing := range m.items {
		if existing.Hash == item.Hash {
			m.items[i] = &item
			return
		}
	}
	m.items = append(m.items, &item)
}

// Item returns a copy of the item with hash.
func (m *MockClient) Item(hash string) (MockItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.Hash == hash {
			cp := *it
			cp.Tags = slices.Clone(it.Tags)
			cp.Files = slices.Clone(it.Files)
			return cp, true
		}
	}
	return MockItem{}, false
}

// ItemByName returns a copy of the item called name.
func (m *MockClient) ItemByName(name string) (MockItem, bool) {
	m.mu.Lock()
	hash := ""
	for _, it := range m.items {
		if it.Name == name {
			hash = it.Hash
			break
		}
	}
	m.mu.Unlock()

	if hash == "" {
		return MockItem{}, false
	}
	return m.Item(hash)
}

// SetProgress updates the progress of the item with hash.
func (m *MockClient) SetProgress(hash string, progress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.Hash == hash {
			it.Progress = progress
		}
	}
}

// Name returns the instance name.
func (m *MockClient) Name() string {
	return "mock"
}

// Type returns the client type.
func (m *MockClient) Type() string {
	return "mock"
}

// Login reports whether the client is available.
func (m *MockClient) Login(_ context.Context) bool {
	m.record("Login")
	return !m.LoginFails
}

// ListTrackedItems returns a fresh TrackedItem per stored item. File
// listings load lazily through FetchFileListing.
func (m *MockClient) ListTrackedItems(_ context.Context) []*download.TrackedItem {
	m.record("ListTrackedItems")

	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*download.TrackedItem, 0, len(m.items))
	for _, it := range m.items {
		item := &download.TrackedItem{
			Hash:     it.Hash,
			Name:     it.Name,
			SavePath: it.SavePath,
			Category: it.Category,
			Progress: it.Progress,
			Tags:     slices.Clone(it.Tags),
		}
		item.WithFiles(func(ctx context.Context) []download.FileRecord {
			return m.FetchFileListing(ctx, item, true)
		})
		result = append(result, item)
	}
	return result
}

// AddItem records the submission and, unless OnAddItem says otherwise,
// stores a new incomplete item.
func (m *MockClient) AddItem(
	ctx context.Context,
	sub subscription.Subscription,
	release download.Release,
	savePath string,
	ova bool,
) bool {
	m.record("AddItem")

	m.mu.Lock()
	m.adds = append(m.adds, AddCall{Subscription: sub, Release: release, SavePath: savePath, OVA: ova})
	m.mu.Unlock()

	if m.OnAddItem != nil {
		return m.OnAddItem(ctx, sub, release)
	}

	subgroup := release.Subgroup
	if subgroup == "" {
		subgroup = download.DefaultSubgroup
	}
	tags := []string{subgroup, download.TagOwned}
	if !release.Master {
		tags = append(tags, download.TagBackup)
	}

	m.Put(MockItem{
		Hash:     FakeHash(),
		Name:     release.Name,
		SavePath: savePath,
		Category: download.TagOwned,
		Tags:     tags,
		Files: []download.FileRecord{
			{Index: 0, Name: release.Name + ".mkv", Size: 1 << 20, Priority: 1},
		},
	})
	return true
}

// FetchFileListing returns the stored files. With filterMedia only selected
// media files are returned.
func (m *MockClient) FetchFileListing(_ context.Context, item *download.TrackedItem, filterMedia bool) []download.FileRecord {
	m.record("FetchFileListing")

	stored, ok := m.Item(item.Hash)
	if !ok {
		return nil
	}
	if !filterMedia {
		return stored.Files
	}
	return slices.DeleteFunc(stored.Files, func(f download.FileRecord) bool {
		return f.Priority == 0 || f.Size < 1 || !naming.IsMedia(f.Name)
	})
}

// RenameFiles records the call and defers to OnRenameFiles when set.
func (m *MockClient) RenameFiles(ctx context.Context, item *download.TrackedItem) error {
	m.record("RenameFiles")

	if m.OnRenameFiles != nil {
		return m.OnRenameFiles(ctx, item)
	}
	return nil
}

// Start records the call.
func (m *MockClient) Start(_ context.Context, _ *download.TrackedItem) bool {
	m.record("Start")
	return true
}

// AddTags appends tags to the stored item unless TagFails is set.
func (m *MockClient) AddTags(_ context.Context, item *download.TrackedItem, tags ...string) bool {
	m.record("AddTags")

	if m.TagFails {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.Hash != item.Hash {
			continue
		}
		for _, tag := range tags {
			if !slices.Contains(it.Tags, tag) {
				it.Tags = append(it.Tags, tag)
			}
			if !item.HasTag(tag) {
				item.Tags = append(item.Tags, tag)
			}
		}
		return true
	}
	return false
}

// SetSavePath moves the stored item.
func (m *MockClient) SetSavePath(_ context.Context, item *download.TrackedItem, savePath string) bool {
	m.record("SetSavePath")

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.Hash == item.Hash {
			it.SavePath = savePath
			return true
		}
	}
	return false
}

// DeleteItem removes the stored item.
func (m *MockClient) DeleteItem(_ context.Context, item *download.TrackedItem, _ bool) bool {
	m.record("DeleteItem")

	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.items)
	m.items = slices.DeleteFunc(m.items, func(it *MockItem) bool {
		return it.Hash == item.Hash
	})
	return len(m.items) < n
}

// UpdateTrackers stores trackers.
func (m *MockClient) UpdateTrackers(_ context.Context, trackers []string) error {
	m.record("UpdateTrackers")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers = slices.Clone(trackers)
	return nil
}

// MockBackend is a scripted transfer.Backend.
type MockBackend struct {
	mu          sync.Mutex
	uploads     []transfer.Request
	refreshes   []string
	polls       int
	failUploads int
	script      []transfer.TaskState
	tasks       map[string][]transfer.TaskState
	nextTask    int

	// Async makes uploads return a task id that must be polled.
	Async bool
}

// NewMockBackend creates a backend that accepts every upload. Async tasks
// succeed on their first poll unless a script is set.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		script: []transfer.TaskState{transfer.TaskSucceeded},
		tasks:  make(map[string][]transfer.TaskState),
	}
}

// FailUploads makes the next n uploads fail.
func (b *MockBackend) FailUploads(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failUploads = n
}

// SetTaskScript sets the states reported by consecutive polls of tasks created
// afterwards. PollError entries fail the poll. The last state repeats.
func (b *MockBackend) SetTaskScript(states ...transfer.TaskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = slices.Clone(states)
}

// Uploads returns the accepted uploads.
func (b *MockBackend) Uploads() []transfer.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.uploads)
}

// Refreshes returns the refreshed directories.
func (b *MockBackend) Refreshes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.refreshes)
}

// Polls returns how many TaskStatus calls were made.
func (b *MockBackend) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

// Name returns the backend name.
func (b *MockBackend) Name() string {
	return "mock"
}

// Upload accepts req unless a failure is scripted.
func (b *MockBackend) Upload(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failUploads > 0 {
		b.failUploads--
		return "", ErrMockUpload
	}

	b.uploads = append(b.uploads, req)
	if onProgress != nil {
		onProgress(transfer.Progress{Transferred: req.Size})
	}

	if !b.Async {
		return "", nil
	}
	b.nextTask++
	id := fmt.Sprintf("task-%d", b.nextTask)
	b.tasks[id] = slices.Clone(b.script)
	return id, nil
}

// TaskStatus pops the next scripted state of task id.
func (b *MockBackend) TaskStatus(_ context.Context, id string) (transfer.TaskState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.polls++
	states, ok := b.tasks[id]
	if !ok || len(states) == 0 {
		return transfer.TaskPending, fmt.Errorf("%w: unknown task %s", ErrMockPoll, id)
	}

	state := states[0]
	if len(states) > 1 {
		b.tasks[id] = states[1:]
	}
	if state == PollError {
		return transfer.TaskPending, ErrMockPoll
	}
	return state, nil
}

// Refresh records dir.
func (b *MockBackend) Refresh(_ context.Context, dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes = append(b.refreshes, dir)
	return nil
}

// Close does nothing.
func (b *MockBackend) Close() error {
	return nil
}

// Sent is one notification captured by RecordingNotifier.
type Sent struct {
	Subscription string
	Text         string
	Kind         notify.Kind
}

// RecordingNotifier captures notifications.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Sent
}

// Send records the notification.
func (n *RecordingNotifier) Send(sub subscription.Subscription, text string, kind notify.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Sent{Subscription: sub.ID, Text: text, Kind: kind})
}

// Sent returns the captured notifications.
func (n *RecordingNotifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}

// Count returns how many notifications of kind were sent.
func (n *RecordingNotifier) Count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := 0
	for _, s := range n.sent {
		if s.Kind == kind {
			count++
		}
	}
	return count
}
