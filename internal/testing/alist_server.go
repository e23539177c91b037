package testing

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"sync"
)

// AlistPollError in a task script makes that poll answer with an error code.
const AlistPollError = -1

// AlistUpload is a captured PUT /api/fs/form.
type AlistUpload struct {
	Path     string
	AsTask   bool
	FileName string
	Content  []byte
}

// AlistServer is a mock Alist API server for testing.
type AlistServer struct {
	*httptest.Server

	Token string

	mu          sync.Mutex
	uploads     []AlistUpload
	refreshes   []string
	calls       map[string]int
	failUploads int
	script      []int
	tasks       map[string][]int
	nextTask    int
}

// NewAlistServer creates a mock Alist server accepting the token "alist-token".
// Upload tasks succeed on their first poll unless a script is set.
func NewAlistServer() *AlistServer {
	s := &AlistServer{
		Token:  "alist-token",
		calls:  make(map[string]int),
		script: []int{2},
		tasks:  make(map[string][]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/fs/form", s.handleUpload)
	mux.HandleFunc("POST /api/task/upload/info", s.handleTaskInfo)
	mux.HandleFunc("POST /api/fs/list", s.handleList)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		s.mu.Unlock()

		if r.Header.Get("Authorization") != s.Token {
			writeJSON(w, map[string]any{"code": http.StatusUnauthorized, "message": "token is invalidated"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

// FailUploads makes the next n uploads answer with code 500.
func (s *AlistServer) FailUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads = n
}

// SetTaskScript sets the task states reported by consecutive polls of tasks
// created afterwards. AlistPollError entries fail the poll. The last state
// repeats once the script is exhausted.
func (s *AlistServer) SetTaskScript(states ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = slices.Clone(states)
}

// Uploads returns the captured uploads.
func (s *AlistServer) Uploads() []AlistUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.uploads)
}

// Refreshes returns the directories refreshed so far.
func (s *AlistServer) Refreshes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.refreshes)
}

// Calls returns how many requests hit path.
func (s *AlistServer) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *AlistServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	filePath, err := url.PathUnescape(r.Header.Get("File-Path"))
	if err != nil {
		writeJSON(w, map[string]any{"code": http.StatusBadRequest, "message": err.Error()})
		return
	}

	upload := AlistUpload{Path: filePath, AsTask: r.Header.Get("As-Task") == "true"}
	if f, fh, err := r.FormFile("file"); err == nil {
		upload.FileName = fh.Filename
		upload.Content, _ = io.ReadAll(f)
		_ = f.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUploads > 0 {
		s.failUploads--
		writeJSON(w, map[string]any{"code": http.StatusInternalServerError, "message": "storage unavailable"})
		return
	}

	s.uploads = append(s.uploads, upload)

	var data any
	if upload.AsTask {
		s.nextTask++
		id := "task-" + strconv.Itoa(s.nextTask)
		s.tasks[id] = slices.Clone(s.script)
		data = map[string]any{"task": map[string]any{"id": id, "name": filePath, "state": 0}}
	}

	writeJSON(w, map[string]any{"code": http.StatusOK, "message": "success", "data": data})
}

func (s *AlistServer) handleTaskInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.URL.Query().Get("tid")
	states, ok := s.tasks[id]
	if !ok || len(states) == 0 {
		writeJSON(w, map[string]any{"code": http.StatusInternalServerError, "message": "task not found"})
		return
	}

	state := states[0]
	if len(states) > 1 {
		s.tasks[id] = states[1:]
	}

	if state == AlistPollError {
		writeJSON(w, map[string]any{"code": http.StatusInternalServerError, "message": "temporary failure"})
		return
	}

	writeJSON(w, map[string]any{"code": http.StatusOK, "message": "success", "data": map[string]any{
		"id":    id,
		"state": state,
	}})
}

func (s *AlistServer) handleList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path    string `json:"path"`
		Refresh bool   `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, map[string]any{"code": http.StatusBadRequest, "message": err.Error()})
		return
	}

	s.mu.Lock()
	if body.Refresh {
		s.refreshes = append(s.refreshes, body.Path)
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"code": http.StatusOK, "message": "success", "data": map[string]any{"content": []any{}}})
}
