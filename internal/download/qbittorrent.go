package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/anireap/anireap/internal/config"
	"github.com/anireap/anireap/internal/naming"
	"github.com/anireap/anireap/internal/subscription"
)

// qbittorrentClient implements the Client interface for qBittorrent.
// It is private and only exposed via the Client interface.
type qbittorrentClient struct {
	cfg        config.DownloaderConfig
	baseURL    string
	httpClient *http.Client
	fs         afero.Fs
	logger     zerolog.Logger
}

// qbittorrentAPITorrent represents a torrent from the qBittorrent API.
type qbittorrentAPITorrent struct {
	Hash      string  `json:"hash"`
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	Tags      string  `json:"tags"`
	State     string  `json:"state"`
	SavePath  string  `json:"save_path"`
	Size      int64   `json:"size"`
	Completed int64   `json:"completed"`
	Progress  float64 `json:"progress"`
}

// qbittorrentAPIFile represents a file from the qBittorrent API.
type qbittorrentAPIFile struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

// setLogger implements configurable for shared options.
func (c *qbittorrentClient) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// setFs implements configurable for shared options.
func (c *qbittorrentClient) setFs(fs afero.Fs) {
	c.fs = fs
}

// NewQBittorrent creates a new qBittorrent client and returns it as Client.
func NewQBittorrent(cfg config.DownloaderConfig, opts ...Option) Client {
	jar, _ := cookiejar.New(nil)

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = config.DefaultHTTPTimeout
	}

	c := &qbittorrentClient{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		fs:     afero.NewOsFs(),
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the client URL.
func (c *qbittorrentClient) Name() string {
	return c.baseURL
}

// Type returns the client type.
func (c *qbittorrentClient) Type() string {
	return "qbittorrent"
}

// Login authenticates against the Web API. The session cookie is kept in the
// client's jar.
func (c *qbittorrentClient) Login(ctx context.Context) bool {
	if strings.TrimSpace(c.baseURL) == "" ||
		strings.TrimSpace(c.cfg.Username) == "" ||
		strings.TrimSpace(c.cfg.Password) == "" {
		c.logger.Warn().Msg("qbittorrent is not fully configured")
		return false
	}

	body, err := c.postForm(ctx, "/api/v2/auth/login", url.Values{
		"username": {c.cfg.Username},
		"password": {c.cfg.Password},
	})
	if err != nil {
		c.logger.Error().Err(err).Str("url", c.baseURL).Msg("qbittorrent login failed")
		return false
	}
	if string(body) != "Ok." {
		c.logger.Error().Str("body", string(body)).Msg("qbittorrent login rejected")
		return false
	}

	c.logger.Debug().Str("url", c.baseURL).Msg("logged in to qbittorrent")

	return true
}

// ListTrackedItems returns all torrents tagged or categorized as owned.
func (c *qbittorrentClient) ListTrackedItems(ctx context.Context) []*TrackedItem {
	body, err := c.get(ctx, "/api/v2/torrents/info", nil)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list torrents")
		return nil
	}

	var torrents []qbittorrentAPITorrent
	if err = json.Unmarshal(body, &torrents); err != nil {
		c.logger.Error().Err(err).Msg("malformed torrent list")
		return nil
	}

	var items []*TrackedItem
	for _, t := range torrents {
		if strings.TrimSpace(t.Tags) == "" {
			continue
		}

		item := c.toTrackedItem(t)
		if !item.HasTag(TagOwned) && t.Category != TagOwned {
			continue
		}
		items = append(items, item)
	}

	return items
}

func (c *qbittorrentClient) toTrackedItem(t qbittorrentAPITorrent) *TrackedItem {
	var tags []string
	for tag := range strings.SplitSeq(t.Tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	var progress float64
	if t.Size > 0 {
		progress = float64(t.Completed) / float64(t.Size)
	}

	item := &TrackedItem{
		Hash:     t.Hash,
		Name:     t.Name,
		SavePath: t.SavePath,
		Category: t.Category,
		State:    t.State,
		Progress: progress,
		Size:     t.Size,
		Tags:     tags,
	}

	return item.WithFiles(func(ctx context.Context) []FileRecord {
		var selected []FileRecord
		for _, f := range c.FetchFileListing(ctx, item, true) {
			if f.Priority > 0 {
				selected = append(selected, f)
			}
		}
		return selected
	})
}

// AddItem submits release and verifies that it appears.
func (c *qbittorrentClient) AddItem(
	ctx context.Context,
	sub subscription.Subscription,
	release Release,
	savePath string,
	ova bool,
) bool {
	logger := c.logger.With().
		Str("name", release.Name).
		Str("subscription", sub.ID).
		Bool("ova", ova).
		Logger()

	form, err := c.addForm(sub, release, savePath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to prepare torrent")
		return false
	}

	if _, err = c.postMultipart(ctx, "/api/v2/torrents/add", form); err != nil {
		logger.Error().Err(err).Msg("failed to add torrent")
		return false
	}

	logger.Info().Str("save_path", savePath).Msg("torrent submitted")

	if !c.cfg.WatchErrorTorrent {
		return sleep(ctx, c.cfg.SettleDelay) == nil
	}

	hash := strings.TrimSuffix(filepath.Base(release.TorrentFile), filepath.Ext(release.TorrentFile))
	for attempt := 1; attempt <= c.cfg.VerifyAttempts; attempt++ {
		if err = sleep(ctx, c.cfg.VerifyInterval); err != nil {
			return false
		}

		for _, item := range c.ListTrackedItems(ctx) {
			if item.Hash == hash || item.Name == release.Name {
				logger.Debug().Int("attempt", attempt).Str("hash", item.Hash).Msg("torrent confirmed")
				return true
			}
		}
	}

	logger.Warn().Int("attempts", c.cfg.VerifyAttempts).Msg("torrent did not appear in client")

	return false
}

// addPart is one field of the multipart add request.
type addPart struct {
	name     string
	value    string
	fileName string // non-empty for file uploads
	content  []byte
}

func (c *qbittorrentClient) addForm(sub subscription.Subscription, release Release, savePath string) ([]addPart, error) {
	subgroup := strings.TrimSpace(release.Subgroup)
	if subgroup == "" {
		subgroup = DefaultSubgroup
	}
	tags := []string{subgroup, TagOwned}
	if !release.Master {
		tags = append(tags, TagBackup)
	}

	upLimit, dlLimit := c.cfg.UpLimit, c.cfg.DlLimit
	if sub.UpLimit > 0 {
		upLimit = sub.UpLimit
	}
	if sub.DlLimit > 0 {
		dlLimit = sub.DlLimit
	}

	ratio := overrideInt(sub.RatioLimit, c.cfg.RatioLimit)
	seeding := overrideInt(sub.SeedingTimeLimit, c.cfg.SeedingTimeLimit)
	inactive := overrideInt(sub.InactiveSeedingTimeLimit, c.cfg.InactiveSeedingTimeLimit)

	fields := [][2]string{
		{"addToTopOfQueue", "false"},
		{"autoTMM", "false"},
		{"category", TagOwned},
		{"contentLayout", "Original"},
		{"dlLimit", strconv.FormatInt(dlLimit*1024, 10)},
		{"firstLastPiecePrio", "false"},
		{"rename", release.Name},
		{"savepath", savePath},
		{"sequentialDownload", "false"},
		{"skip_checking", "false"},
		{"stopCondition", "None"},
		{"upLimit", strconv.FormatInt(upLimit*1024, 10)},
		{"useDownloadPath", strconv.FormatBool(c.cfg.UseDownloadPath)},
		{"tags", strings.Join(tags, ",")},
		{"ratioLimit", strconv.Itoa(ratio)},
		{"seedingTimeLimit", strconv.Itoa(seeding)},
		{"inactiveSeedingTimeLimit", strconv.Itoa(inactive)},
	}

	payload, err := afero.ReadFile(c.fs, release.TorrentFile)
	if err != nil {
		return nil, fmt.Errorf("reading torrent file: %w", err)
	}

	// Items uploaded as .torrent start stopped so files are renamed before
	// any data lands on disk.
	paused := false
	var source addPart
	switch {
	case strings.EqualFold(filepath.Ext(release.TorrentFile), ".txt"):
		source = addPart{name: "urls", value: strings.TrimSpace(string(payload))}
	case len(payload) > 0:
		paused = c.cfg.Rename
		source = addPart{name: "torrents", fileName: filepath.Base(release.TorrentFile), content: payload}
	default:
		hash := strings.TrimSuffix(filepath.Base(release.TorrentFile), filepath.Ext(release.TorrentFile))
		source = addPart{name: "urls", value: "magnet:?xt=urn:btih:" + hash}
	}

	fields = append(fields,
		[2]string{"paused", strconv.FormatBool(paused)},
		[2]string{"stopped", strconv.FormatBool(paused)},
	)

	parts := make([]addPart, 0, len(fields)+1)
	for _, f := range fields {
		parts = append(parts, addPart{name: f[0], value: f[1]})
	}
	return append(parts, source), nil
}

func overrideInt(override *int, global int) int {
	if override != nil {
		return *override
	}
	return global
}

// FetchFileListing returns the files of item.
func (c *qbittorrentClient) FetchFileListing(ctx context.Context, item *TrackedItem, filterMedia bool) []FileRecord {
	body, err := c.get(ctx, "/api/v2/torrents/files", url.Values{"hash": {item.Hash}})
	if err != nil {
		c.logger.Error().Err(err).Str("hash", item.Hash).Msg("failed to list files")
		return nil
	}

	var files []qbittorrentAPIFile
	if err = json.Unmarshal(body, &files); err != nil {
		c.logger.Error().Err(err).Str("hash", item.Hash).Msg("malformed file list")
		return nil
	}

	records := make([]FileRecord, 0, len(files))
	for _, f := range files {
		if filterMedia && (f.Size < 1 || !naming.IsMedia(f.Name)) {
			continue
		}
		records = append(records, FileRecord{
			Index:    f.Index,
			Name:     f.Name,
			Size:     f.Size,
			Priority: f.Priority,
		})
	}

	if filterMedia {
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Size > records[j].Size
		})
	}

	return records
}

// RenameFiles renames the media files of item to the canonical name carried
// by the item name, excludes duplicates and starts the item.
func (c *qbittorrentClient) RenameFiles(ctx context.Context, item *TrackedItem) error {
	logger := c.logger.With().Str("hash", item.Hash).Str("name", item.Name).Logger()

	if !naming.IsEpisodeName(item.Name) {
		if !c.Start(ctx, item) {
			return fmt.Errorf("starting %s failed", item.Name)
		}
		logger.Info().Msg("started without rename")
		return nil
	}

	files := c.FetchFileListing(ctx, item, true)
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", ErrMetadataPending, item.Hash)
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}

	var renamed []string
	for i, step := range naming.Plan(names, item.Name) {
		switch step.Action {
		case naming.Keep:
			continue
		case naming.Exclude:
			logger.Info().Str("file", step.Source).Msg("excluding duplicate file")
			if !c.setFilePriority(ctx, item, files[i].Index, 0) {
				logger.Warn().Str("file", step.Source).Msg("failed to exclude file")
			}
		case naming.Rename:
			logger.Info().Str("from", step.Source).Str("to", step.Target).Msg("renaming file")
			if _, err := c.postForm(ctx, "/api/v2/torrents/renameFile", url.Values{
				"hash":    {item.Hash},
				"oldPath": {step.Source},
				"newPath": {step.Target},
			}); err != nil {
				return fmt.Errorf("renaming %s to %s: %w", step.Source, step.Target, err)
			}
			renamed = append(renamed, step.Target)
		}
	}

	if !c.Start(ctx, item) {
		return fmt.Errorf("starting %s failed", item.Name)
	}

	if len(renamed) == 0 {
		return nil
	}

	// The client applies renames asynchronously.
	for range c.cfg.RenameAttempts {
		if err := sleep(ctx, c.cfg.RenameInterval); err != nil {
			return err
		}

		current := make(map[string]bool)
		for _, f := range c.FetchFileListing(ctx, item, true) {
			current[f.Name] = true
		}
		if allPresent(current, renamed) {
			return nil
		}
	}

	logger.Warn().Strs("expected", renamed).Msg("renamed files did not show up in time")

	return nil
}

func allPresent(set map[string]bool, names []string) bool {
	for _, name := range names {
		if !set[name] {
			return false
		}
	}
	return true
}

func (c *qbittorrentClient) setFilePriority(ctx context.Context, item *TrackedItem, index, priority int) bool {
	_, err := c.postForm(ctx, "/api/v2/torrents/filePrio", url.Values{
		"hash":     {item.Hash},
		"id":       {strconv.Itoa(index)},
		"priority": {strconv.Itoa(priority)},
	})
	return err == nil
}

// Start starts item. qBittorrent 5 renamed resume to start; the old endpoint
// is tried when the new one fails.
func (c *qbittorrentClient) Start(ctx context.Context, item *TrackedItem) bool {
	form := url.Values{"hashes": {item.Hash}}
	if _, err := c.postForm(ctx, "/api/v2/torrents/start", form); err == nil {
		return true
	}

	if _, err := c.postForm(ctx, "/api/v2/torrents/resume", form); err != nil {
		c.logger.Error().Err(err).Str("hash", item.Hash).Msg("failed to start torrent")
		return false
	}
	return true
}

// AddTags adds tags to item.
func (c *qbittorrentClient) AddTags(ctx context.Context, item *TrackedItem, tags ...string) bool {
	if _, err := c.postForm(ctx, "/api/v2/torrents/addTags", url.Values{
		"hashes": {item.Hash},
		"tags":   {strings.Join(tags, ",")},
	}); err != nil {
		c.logger.Error().Err(err).Str("hash", item.Hash).Strs("tags", tags).Msg("failed to add tags")
		return false
	}

	for _, tag := range tags {
		if !item.HasTag(tag) {
			item.Tags = append(item.Tags, tag)
		}
	}
	return true
}

// SetSavePath disables automatic management and moves item to path.
func (c *qbittorrentClient) SetSavePath(ctx context.Context, item *TrackedItem, savePath string) bool {
	if _, err := c.postForm(ctx, "/api/v2/torrents/setAutoManagement", url.Values{
		"hashes": {item.Hash},
		"enable": {"false"},
	}); err != nil {
		c.logger.Warn().Err(err).Str("hash", item.Hash).Msg("failed to disable automatic management")
	}

	if _, err := c.postForm(ctx, "/api/v2/torrents/setSavePath", url.Values{
		"id":   {item.Hash},
		"path": {savePath},
	}); err != nil {
		c.logger.Error().Err(err).Str("hash", item.Hash).Str("path", savePath).Msg("failed to set save path")
		return false
	}

	item.SavePath = savePath
	return true
}

// DeleteItem removes item. For episodes, directories inside the save path
// that are left empty afterwards are removed too.
func (c *qbittorrentClient) DeleteItem(ctx context.Context, item *TrackedItem, deleteFiles bool) bool {
	files := c.FetchFileListing(ctx, item, false)

	if _, err := c.postForm(ctx, "/api/v2/torrents/delete", url.Values{
		"hashes":      {item.Hash},
		"deleteFiles": {strconv.FormatBool(deleteFiles)},
	}); err != nil {
		c.logger.Error().Err(err).Str("hash", item.Hash).Msg("failed to delete torrent")
		return false
	}

	c.logger.Info().Str("hash", item.Hash).Str("name", item.Name).Bool("delete_files", deleteFiles).
		Msg("torrent deleted")

	// Movies keep their folder.
	if !naming.IsEpisodeName(item.Name) {
		return true
	}

	seen := make(map[string]bool)
	for _, f := range files {
		dir := path.Dir(f.Name)
		if dir == "." || dir == "/" || seen[dir] {
			continue
		}
		seen[dir] = true
		c.removeEmptyDir(filepath.Join(item.SavePath, filepath.FromSlash(dir)))
	}

	return true
}

func (c *qbittorrentClient) removeEmptyDir(dir string) {
	empty, err := afero.IsEmpty(c.fs, dir)
	if err != nil || !empty {
		return
	}

	if err = c.fs.Remove(dir); err != nil {
		c.logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove leftover directory")
		return
	}

	c.logger.Info().Str("dir", dir).Msg("removed leftover directory")
}

// UpdateTrackers sets the trackers qBittorrent appends to new torrents.
func (c *qbittorrentClient) UpdateTrackers(ctx context.Context, trackers []string) error {
	body, err := c.get(ctx, "/api/v2/app/preferences", nil)
	if err != nil {
		return fmt.Errorf("reading preferences: %w", err)
	}

	var prefs map[string]any
	if err = json.Unmarshal(body, &prefs); err != nil {
		return fmt.Errorf("decoding preferences: %w", err)
	}
	if prefs == nil {
		prefs = make(map[string]any)
	}

	prefs["add_trackers"] = strings.Join(trackers, "\n")
	prefs["add_trackers_enabled"] = true

	encoded, err := json.Marshal(prefs)
	if err != nil {
		return err
	}

	if _, err = c.postForm(ctx, "/api/v2/app/setPreferences", url.Values{"json": {string(encoded)}}); err != nil {
		return fmt.Errorf("writing preferences: %w", err)
	}

	c.logger.Info().Int("count", len(trackers)).Msg("trackers updated")

	return nil
}

func (c *qbittorrentClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	return c.do(req)
}

func (c *qbittorrentClient) postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		c.baseURL+endpoint,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req)
}

func (c *qbittorrentClient) postMultipart(ctx context.Context, endpoint string, parts []addPart) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, p := range parts {
		if p.fileName == "" {
			if err := w.WriteField(p.name, p.value); err != nil {
				return nil, err
			}
			continue
		}

		fw, err := w.CreateFormFile(p.name, p.fileName)
		if err != nil {
			return nil, err
		}
		if _, err = fw.Write(p.content); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.do(req)
}

var errStatus = errors.New("unexpected status")

func (c *qbittorrentClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("%w %d from %s: %s", errStatus, resp.StatusCode, req.URL.Path, strings.TrimSpace(string(body)))
	}

	return body, nil
}
