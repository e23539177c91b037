package testing

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// FakeTorrent represents a torrent in the mock qBittorrent server.
type FakeTorrent struct {
	Hash      string
	Name      string
	Category  string
	Tags      []string
	State     string // "downloading", "stoppedDL", "uploading", etc.
	Size      int64
	Completed int64
	SavePath  string
	AutoTMM   bool
}

// FakeFile represents a file in a torrent.
type FakeFile struct {
	Index    int
	Name     string // Relative path within torrent
	Size     int64
	Progress float64 // 0.0 to 1.0
	Priority int     // 0=skip, 1-7=normal priorities
}

// AddRequest is a captured POST /api/v2/torrents/add.
type AddRequest struct {
	Fields      map[string]string
	TorrentName string
	Torrent     []byte
}

// QBittorrentServer is a mock qBittorrent API server for testing.
type QBittorrentServer struct {
	*httptest.Server

	Username string
	Password string

	// OnAdd decides what an add request creates. A nil return adds nothing.
	OnAdd func(req AddRequest) (*FakeTorrent, []FakeFile)

	mu          sync.RWMutex
	torrents    map[string]*FakeTorrent
	files       map[string][]FakeFile
	order       []string
	adds        []AddRequest
	calls       map[string]int
	failures    map[string]int
	preferences map[string]any
}

// NewQBittorrentServer creates a new mock qBittorrent server accepting the
// credentials admin/adminadmin.
func NewQBittorrentServer() *QBittorrentServer {
	s := &QBittorrentServer{
		Username:    "admin",
		Password:    "adminadmin",
		torrents:    make(map[string]*FakeTorrent),
		files:       make(map[string][]FakeFile),
		calls:       make(map[string]int),
		failures:    make(map[string]int),
		preferences: map[string]any{"save_path": "/downloads", "add_trackers": ""},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/v2/torrents/info", s.handleTorrentsInfo)
	mux.HandleFunc("GET /api/v2/torrents/files", s.handleTorrentsFiles)
	mux.HandleFunc("POST /api/v2/torrents/add", s.handleAdd)
	mux.HandleFunc("POST /api/v2/torrents/renameFile", s.handleRenameFile)
	mux.HandleFunc("POST /api/v2/torrents/filePrio", s.handleFilePrio)
	mux.HandleFunc("POST /api/v2/torrents/addTags", s.handleAddTags)
	mux.HandleFunc("POST /api/v2/torrents/start", s.handleStart)
	mux.HandleFunc("POST /api/v2/torrents/resume", s.handleStart)
	mux.HandleFunc("POST /api/v2/torrents/delete", s.handleDelete)
	mux.HandleFunc("POST /api/v2/torrents/setAutoManagement", s.handleSetAutoManagement)
	mux.HandleFunc("POST /api/v2/torrents/setSavePath", s.handleSetSavePath)
	mux.HandleFunc("GET /api/v2/app/preferences", s.handlePreferences)
	mux.HandleFunc("POST /api/v2/app/setPreferences", s.handleSetPreferences)

	s.Server = httptest.NewServer(s.count(mux))
	return s
}

// count records every request and applies injected failures.
func (s *QBittorrentServer) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		status := s.failures[r.URL.Path]
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AddTorrent adds a torrent to the mock server.
func (s *QBittorrentServer) AddTorrent(t *FakeTorrent, files []FakeFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(t, files)
}

func (s *QBittorrentServer) addLocked(t *FakeTorrent, files []FakeFile) {
	if _, ok := s.torrents[t.Hash]; !ok {
		s.order = append(s.order, t.Hash)
	}
	s.torrents[t.Hash] = t
	s.files[t.Hash] = files
}

// GetTorrent returns a copy of a torrent by hash, or nil.
func (s *QBittorrentServer) GetTorrent(hash string) *FakeTorrent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.torrents[hash]
	if !ok {
		return nil
	}
	cp := *t
	cp.Tags = slices.Clone(t.Tags)
	return &cp
}

// Files returns a copy of the files of a torrent.
func (s *QBittorrentServer) Files(hash string) []FakeFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.files[hash])
}

// SetProgress sets the completed byte count of a torrent.
func (s *QBittorrentServer) SetProgress(hash string, completed int64, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.torrents[hash]; ok {
		t.Completed = completed
		t.State = state
	}
}

// FailPath makes every request to path answer with status.
// A zero status clears the failure.
func (s *QBittorrentServer) FailPath(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

// Calls returns how many requests hit path.
func (s *QBittorrentServer) Calls(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[path]
}

// TotalCalls returns the number of requests served.
func (s *QBittorrentServer) TotalCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// AddRequests returns the captured add requests.
func (s *QBittorrentServer) AddRequests() []AddRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.adds)
}

// Preferences returns a copy of the stored application preferences.
func (s *QBittorrentServer) Preferences() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[string]any, len(s.preferences))
	for k, v := range s.preferences {
		cp[k] = v
	}
	return cp
}

// Reset clears all torrents and counters.
func (s *QBittorrentServer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.torrents = make(map[string]*FakeTorrent)
	s.files = make(map[string][]FakeFile)
	s.order = nil
	s.adds = nil
	s.calls = make(map[string]int)
}

func (s *QBittorrentServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("username") != s.Username || r.FormValue("password") != s.Password {
		_, _ = w.Write([]byte("Fails."))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "SID", Value: "test-session", Path: "/"})
	_, _ = w.Write([]byte("Ok."))
}

// qbAPITorrent matches the qBittorrent API response format.
type qbAPITorrent struct {
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

func (s *QBittorrentServer) handleTorrentsInfo(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]qbAPITorrent, 0, len(s.order))
	for _, hash := range s.order {
		t := s.torrents[hash]
		var progress float64
		if t.Size > 0 {
			progress = float64(t.Completed) / float64(t.Size)
		}
		result = append(result, qbAPITorrent{
			Hash:      t.Hash,
			Name:      t.Name,
			Category:  t.Category,
			Tags:      strings.Join(t.Tags, ", "),
			State:     t.State,
			SavePath:  t.SavePath,
			Size:      t.Size,
			Completed: t.Completed,
			Progress:  progress,
		})
	}

	writeJSON(w, result)
}

// qbAPIFile matches the qBittorrent API response format for files.
type qbAPIFile struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

func (s *QBittorrentServer) handleTorrentsFiles(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash := r.URL.Query().Get("hash")
	if hash == "" {
		http.Error(w, "hash required", http.StatusBadRequest)
		return
	}

	files := s.files[hash]
	result := make([]qbAPIFile, len(files))
	for i, f := range files {
		result[i] = qbAPIFile(f)
	}

	writeJSON(w, result)
}

func (s *QBittorrentServer) handleAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := AddRequest{Fields: make(map[string]string)}
	for k, v := range r.MultipartForm.Value {
		req.Fields[k] = v[0]
	}
	if fhs := r.MultipartForm.File["torrents"]; len(fhs) > 0 {
		f, err := fhs[0].Open()
		if err == nil {
			req.Torrent, _ = io.ReadAll(f)
			_ = f.Close()
		}
		req.TorrentName = fhs[0].Filename
	}

	s.mu.Lock()
	s.adds = append(s.adds, req)
	onAdd := s.OnAdd
	s.mu.Unlock()

	if onAdd != nil {
		if t, files := onAdd(req); t != nil {
			s.AddTorrent(t, files)
		}
	}

	_, _ = w.Write([]byte("Ok."))
}

func (s *QBittorrentServer) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, oldPath, newPath := r.FormValue("hash"), r.FormValue("oldPath"), r.FormValue("newPath")
	files := s.files[hash]
	for i := range files {
		if files[i].Name == newPath {
			http.Error(w, "file already exists", http.StatusConflict)
			return
		}
	}
	for i := range files {
		if files[i].Name == oldPath {
			files[i].Name = newPath
			return
		}
	}
	http.Error(w, "invalid oldPath", http.StatusConflict)
}

func (s *QBittorrentServer) handleFilePrio(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := r.FormValue("hash")
	id, _ := strconv.Atoi(r.FormValue("id"))
	priority, err := strconv.Atoi(r.FormValue("priority"))
	if err != nil {
		http.Error(w, "invalid priority", http.StatusBadRequest)
		return
	}

	files := s.files[hash]
	for i := range files {
		if files[i].Index == id {
			files[i].Priority = priority
			return
		}
	}
	http.Error(w, "invalid file id", http.StatusConflict)
}

func (s *QBittorrentServer) handleAddTags(_ http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[r.FormValue("hashes")]
	if !ok {
		return
	}
	for tag := range strings.SplitSeq(r.FormValue("tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" && !slices.Contains(t.Tags, tag) {
			t.Tags = append(t.Tags, tag)
		}
	}
}

func (s *QBittorrentServer) handleStart(_ http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.torrents[r.FormValue("hashes")]; ok && strings.HasPrefix(t.State, "stopped") {
		t.State = "downloading"
	}
}

func (s *QBittorrentServer) handleDelete(_ http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := r.FormValue("hashes")
	delete(s.torrents, hash)
	delete(s.files, hash)
	s.order = slices.DeleteFunc(s.order, func(h string) bool { return h == hash })
}

func (s *QBittorrentServer) handleSetAutoManagement(_ http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.torrents[r.FormValue("hashes")]; ok {
		t.AutoTMM = r.FormValue("enable") == "true"
	}
}

func (s *QBittorrentServer) handleSetSavePath(_ http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.torrents[r.FormValue("id")]; ok {
		t.SavePath = r.FormValue("path")
	}
}

func (s *QBittorrentServer) handlePreferences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Preferences())
}

func (s *QBittorrentServer) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs map[string]any
	if err := json.Unmarshal([]byte(r.FormValue("json")), &prefs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range prefs {
		s.preferences[k] = v
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
