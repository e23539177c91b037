// Package transfer provides interfaces and implementations for mirror upload backends.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/anireap/anireap/internal/config"
)

// ErrUploadRejected is returned when the backend answered but refused the upload.
var ErrUploadRejected = errors.New("upload rejected")

// ErrUnknownBackend is returned by New for unsupported backend names.
var ErrUnknownBackend = errors.New("unknown mirror backend")

// configurable is implemented by all backends to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
	setFs(afero.Fs)
}

// Option is a functional option for configuring backends.
type Option func(configurable)

// WithLogger sets the logger for any backend.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

// WithFs sets the filesystem local files are read from.
func WithFs(fs afero.Fs) Option {
	return func(c configurable) {
		c.setFs(fs)
	}
}

// Kind names a mirror backend type.
type Kind string

const (
	// KindAlist uploads through an Alist server's form API.
	KindAlist Kind = "alist"
	// KindRclone uploads to any rclone remote.
	KindRclone Kind = "rclone"
	// KindS3 uploads to an S3 bucket.
	KindS3 Kind = "s3"
)

// Request represents a single file upload.
type Request struct {
	// LocalPath is the file on the local disk.
	LocalPath string

	// RemotePath is the full destination path including the file name.
	RemotePath string

	// Size is the expected size of the file in bytes.
	Size int64
}

// Progress represents the current progress of a transfer.
type Progress struct {
	// Transferred is the number of bytes transferred so far
	Transferred int64

	// BytesPerSec is the current transfer speed
	BytesPerSec int64
}

// ProgressFunc is a callback function for progress updates.
type ProgressFunc func(Progress)

// TaskState is the state of an asynchronous upload task.
type TaskState int

const (
	// TaskPending means the backend is still working on the upload.
	TaskPending TaskState = iota
	// TaskSucceeded means the file reached the remote storage.
	TaskSucceeded
	// TaskFailed means the backend gave up on the upload.
	TaskFailed
)

// String returns the state name.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Backend is the interface for mirror upload backends.
type Backend interface {
	// Name returns the name of the backend.
	Name() string

	// Upload copies a local file to the remote path. Backends that run uploads
	// as asynchronous tasks return the task id; synchronous backends return "".
	Upload(ctx context.Context, req Request, onProgress ProgressFunc) (string, error)

	// TaskStatus reports the state of an asynchronous upload task.
	TaskStatus(ctx context.Context, taskID string) (TaskState, error)

	// Refresh asks the backend to rescan a remote directory. Backends without
	// a directory cache return nil.
	Refresh(ctx context.Context, dir string) error

	// Close releases any resources held by the backend.
	Close() error
}

// New creates the backend selected by cfg.Backend.
func New(cfg config.MirrorConfig, opts ...Option) (Backend, error) {
	switch Kind(cfg.Backend) {
	case "", KindAlist:
		return NewAlist(AlistOptions{
			Host:    cfg.Host,
			Token:   cfg.Token,
			AsTask:  cfg.Task,
			Timeout: cfg.HTTPTimeout,
		}, opts...), nil
	case KindRclone:
		return NewRclone(RcloneOptions{
			Remote: cfg.Rclone.Remote,
			SSH: SSHConfig{
				Host:           cfg.Rclone.SSH.Host,
				Port:           cfg.Rclone.SSH.Port,
				User:           cfg.Rclone.SSH.User,
				KeyFile:        cfg.Rclone.SSH.KeyFile,
				KnownHostsFile: cfg.Rclone.SSH.KnownHostsFile,
				IgnoreHostKey:  cfg.Rclone.SSH.IgnoreHostKey,
			},
			SpeedLimit: cfg.Rclone.SpeedLimit,
		}, opts...), nil
	case KindS3:
		return NewS3(S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

const defaultHTTPTimeout = 2 * time.Minute
