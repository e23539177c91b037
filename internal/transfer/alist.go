package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Alist upload task states.
const (
	alistStateSucceeded = 2
	alistStateCanceled  = 4
	alistStateFailed    = 7
)

// AlistOptions configures the Alist backend.
type AlistOptions struct {
	Host    string
	Token   string
	AsTask  bool // let the server run uploads as background tasks
	Timeout time.Duration
}

// alistBackend implements Backend against the Alist REST API.
// It is private and only exposed via the Backend interface.
type alistBackend struct {
	opts       AlistOptions
	baseURL    string
	httpClient *http.Client
	fs         afero.Fs
	logger     zerolog.Logger
}

// alistResponse is the envelope of every Alist API response.
type alistResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type alistUploadData struct {
	Task *struct {
		ID string `json:"id"`
	} `json:"task"`
}

type alistTaskData struct {
	ID    string `json:"id"`
	State int    `json:"state"`
	Error string `json:"error"`
}

func (b *alistBackend) setLogger(logger zerolog.Logger) {
	b.logger = logger
}

func (b *alistBackend) setFs(fs afero.Fs) {
	b.fs = fs
}

// NewAlist creates a new Alist backend and returns it as Backend.
func NewAlist(opts AlistOptions, options ...Option) Backend {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	b := &alistBackend{
		opts:       opts,
		baseURL:    strings.TrimSuffix(opts.Host, "/"),
		httpClient: &http.Client{Timeout: timeout},
		fs:         afero.NewOsFs(),
		logger:     zerolog.Nop(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Name returns the name of the backend.
func (b *alistBackend) Name() string {
	return string(KindAlist)
}

// Upload streams the local file to PUT /api/fs/form.
func (b *alistBackend) Upload(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	file, err := b.fs.Open(req.LocalPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", req.LocalPath, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(req.LocalPath))
		if err == nil {
			_, err = io.Copy(part, &progressReader{r: file, onProgress: onProgress, start: time.Now()})
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, b.baseURL+"/api/fs/form", pr)
	if err != nil {
		_ = pr.Close()
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", b.opts.Token)
	httpReq.Header.Set("As-Task", strconv.FormatBool(b.opts.AsTask))
	httpReq.Header.Set("File-Path", url.PathEscape(req.RemotePath))

	resp, err := b.do(httpReq)
	if err != nil {
		return "", err
	}

	var data alistUploadData
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err = json.Unmarshal(resp.Data, &data); err != nil {
			return "", fmt.Errorf("decoding upload response: %w", err)
		}
	}

	b.logger.Debug().Str("local", req.LocalPath).Str("remote", req.RemotePath).Msg("alist upload accepted")

	if data.Task == nil {
		return "", nil
	}
	return data.Task.ID, nil
}

// TaskStatus polls POST /api/task/upload/info.
func (b *alistBackend) TaskStatus(ctx context.Context, taskID string) (TaskState, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		b.baseURL+"/api/task/upload/info?"+url.Values{"tid": {taskID}}.Encode(),
		nil,
	)
	if err != nil {
		return TaskPending, err
	}
	httpReq.Header.Set("Authorization", b.opts.Token)

	resp, err := b.do(httpReq)
	if err != nil {
		return TaskPending, err
	}

	var task alistTaskData
	if err = json.Unmarshal(resp.Data, &task); err != nil {
		return TaskPending, fmt.Errorf("decoding task info: %w", err)
	}

	switch task.State {
	case alistStateSucceeded:
		return TaskSucceeded, nil
	case alistStateCanceled, alistStateFailed:
		b.logger.Warn().Str("task", taskID).Str("error", task.Error).Msg("alist task failed")
		return TaskFailed, nil
	default:
		return TaskPending, nil
	}
}

// Refresh lists dir with refresh enabled so Alist drops its cache.
func (b *alistBackend) Refresh(ctx context.Context, dir string) error {
	body, err := json.Marshal(map[string]any{"path": dir, "refresh": true})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/fs/list", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", b.opts.Token)

	if _, err = b.do(httpReq); err != nil {
		return fmt.Errorf("refreshing %s: %w", dir, err)
	}

	b.logger.Debug().Str("dir", dir).Msg("alist directory refreshed")

	return nil
}

// Close releases idle connections.
func (b *alistBackend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}

// do sends req and decodes the response envelope. A code other than 200
// inside the envelope is reported as ErrUploadRejected.
func (b *alistBackend) do(req *http.Request) (alistResponse, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return alistResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return alistResponse{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return alistResponse{}, fmt.Errorf("%w: status %d from %s", ErrUploadRejected, resp.StatusCode, req.URL.Path)
	}

	var envelope alistResponse
	if err = json.Unmarshal(raw, &envelope); err != nil {
		return alistResponse{}, fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
	}
	if envelope.Code != http.StatusOK {
		return envelope, fmt.Errorf("%w: code %d from %s: %s", ErrUploadRejected, envelope.Code, req.URL.Path, envelope.Message)
	}

	return envelope, nil
}

// progressReader reports read progress to onProgress.
type progressReader struct {
	r           io.Reader
	read        int64
	onProgress  ProgressFunc
	start       time.Time
	lastPublish time.Time
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)

	if p.onProgress != nil && (err == io.EOF || time.Since(p.lastPublish) >= time.Second) {
		p.lastPublish = time.Now()

		var speed int64
		if elapsed := time.Since(p.start).Seconds(); elapsed > 0 {
			speed = int64(float64(p.read) / elapsed)
		}
		p.onProgress(Progress{Transferred: p.read, BytesPerSec: speed})
	}

	return n, err
}
