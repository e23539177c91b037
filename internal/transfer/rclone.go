package transfer

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/accounting"
	"github.com/rclone/rclone/fs/operations"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	// Import backends we need.
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/sftp"
)

// Default rclone configuration values.
const (
	rcloneDefaultSSHPort          = 22
	rcloneDefaultProgressInterval = 500 * time.Millisecond
	rcloneDefaultChunkSize        = "64k" // SFTP chunk size
	rcloneBytesPerMB              = 1 << 20
)

// rcloneGlobalsOnce ensures global rclone configuration is only set once.
//
//nolint:gochecknoglobals // sync primitives for thread-safe rclone initialization
var rcloneGlobalsOnce sync.Once

// rcloneNewFsMu serializes fs.NewFs calls to work around race conditions in rclone's
// config loading (github.com/rclone/rclone/issues/8666).
//
//nolint:gochecknoglobals // sync primitives for thread-safe rclone initialization
var rcloneNewFsMu sync.Mutex

// SSHConfig holds SSH connection configuration for the SFTP remote.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	KnownHostsFile string // Path to known_hosts file (empty if IgnoreHostKey is true)
	IgnoreHostKey  bool   // Skip host key verification
}

// RcloneOptions configures the rclone backend.
type RcloneOptions struct {
	// Remote is an rclone connection string such as ":sftp,host=nas,user=media:/".
	// When empty an SFTP remote is built from SSH.
	Remote string

	SSH SSHConfig

	// SpeedLimit in bytes per second (0 = unlimited)
	SpeedLimit int64
}

// rcloneBackend implements Backend using rclone.
// It is private and only exposed via the Backend interface.
type rcloneBackend struct {
	opts   RcloneOptions
	logger zerolog.Logger

	// Cached remote filesystem to reuse connections
	remoteFs   fs.Fs
	remoteOnce sync.Once
	remoteErr  error
}

func (b *rcloneBackend) setLogger(logger zerolog.Logger) {
	b.logger = logger
}

// setFs is a no-op: rclone reads local files through its own local backend.
func (b *rcloneBackend) setFs(afero.Fs) {}

// NewRclone creates a new rclone backend and returns it as Backend.
func NewRclone(opts RcloneOptions, options ...Option) Backend {
	if opts.SSH.Port == 0 {
		opts.SSH.Port = rcloneDefaultSSHPort
	}

	b := &rcloneBackend{
		opts:   opts,
		logger: zerolog.Nop(),
	}

	for _, opt := range options {
		opt(b)
	}

	b.configureGlobals()

	return b
}

// configureGlobals sets up global rclone configuration once per process.
func (b *rcloneBackend) configureGlobals() {
	rcloneGlobalsOnce.Do(func() {
		ci := fs.GetConfig(context.Background())

		// Uploads are serialized by the mirror worker.
		ci.Transfers = 1
		ci.Checkers = 1
		ci.StreamingUploadCutoff = 0

		if b.opts.SpeedLimit > 0 {
			ci.BwLimit = fs.BwTimetable{
				{Bandwidth: fs.BwPair{
					Tx: fs.SizeSuffix(b.opts.SpeedLimit),
					Rx: fs.SizeSuffix(b.opts.SpeedLimit),
				}},
			}
		}

		ci.LogLevel = fs.LogLevelError
	})
}

// Name returns the name of the backend.
func (b *rcloneBackend) Name() string {
	return string(KindRclone)
}

// Close releases any resources held by the backend.
func (b *rcloneBackend) Close() error {
	if b.remoteFs != nil {
		if shutdowner, ok := b.remoteFs.(fs.Shutdowner); ok {
			_ = shutdowner.Shutdown(context.Background())
		}
	}
	return nil
}

// connString returns the rclone connection string of the remote root.
func (b *rcloneBackend) connString() string {
	if b.opts.Remote != "" {
		return b.opts.Remote
	}

	// If known_hosts_file is not set, rclone accepts any host key.
	knownHostsOpt := ""
	if !b.opts.SSH.IgnoreHostKey && b.opts.SSH.KnownHostsFile != "" {
		knownHostsOpt = fmt.Sprintf(",known_hosts_file=%s", b.opts.SSH.KnownHostsFile)
	}

	return fmt.Sprintf(
		":sftp,host=%s,port=%d,user=%s,key_file=%s%s,"+
			"chunk_size=%s,disable_hashcheck=true,"+
			"set_modtime=false,skip_links=true,shell_type=none:/",
		b.opts.SSH.Host,
		b.opts.SSH.Port,
		b.opts.SSH.User,
		b.opts.SSH.KeyFile,
		knownHostsOpt,
		rcloneDefaultChunkSize,
	)
}

// getRemoteFs returns a cached remote filesystem or creates a new one.
func (b *rcloneBackend) getRemoteFs(ctx context.Context) (fs.Fs, error) {
	b.remoteOnce.Do(func() {
		rcloneNewFsMu.Lock()
		b.remoteFs, b.remoteErr = fs.NewFs(ctx, b.connString())
		rcloneNewFsMu.Unlock()

		if b.remoteErr == nil {
			b.logger.Info().Str("remote", b.remoteFs.Name()).Msg("rclone remote connected")
		}
	})
	return b.remoteFs, b.remoteErr
}

// Upload copies a local file to the remote using rclone. Uploads complete
// synchronously, so no task id is returned.
func (b *rcloneBackend) Upload(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	b.logger.Debug().
		Str("local", req.LocalPath).
		Str("remote", req.RemotePath).
		Int64("size", req.Size).
		Msg("starting rclone upload")

	remoteFs, err := b.getRemoteFs(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open remote: %w", err)
	}

	rcloneNewFsMu.Lock()
	localFs, err := fs.NewFs(ctx, filepath.Dir(req.LocalPath))
	rcloneNewFsMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to create local filesystem: %w", err)
	}

	srcObj, err := localFs.NewObject(ctx, filepath.Base(req.LocalPath))
	if err != nil {
		return "", fmt.Errorf("failed to get local file %q: %w", req.LocalPath, err)
	}

	// The remote is rooted at "/", object names are relative to it.
	dst := strings.TrimPrefix(path.Clean(req.RemotePath), "/")

	return "", b.copyWithProgress(ctx, remoteFs, srcObj, dst, onProgress)
}

// copyWithProgress copies a file and reports progress using per-transfer stats.
func (b *rcloneBackend) copyWithProgress(
	ctx context.Context,
	dstFs fs.Fs,
	srcObj fs.Object,
	dstName string,
	onProgress ProgressFunc,
) error {
	groupName := fmt.Sprintf("mirror-%s-%d", path.Base(dstName), time.Now().UnixNano())
	transferCtx := accounting.WithStatsGroup(ctx, groupName)
	stats := accounting.StatsGroup(transferCtx, groupName)

	var wg sync.WaitGroup
	done := make(chan struct{})
	startTime := time.Now()

	if onProgress != nil {
		wg.Go(func() {
			monitorProgress(stats, onProgress, done)
		})
	}

	_, err := operations.Copy(transferCtx, dstFs, nil, dstName, srcObj)

	close(done)
	wg.Wait()

	if err != nil {
		return fmt.Errorf("copy failed: %w", err)
	}

	elapsed := time.Since(startTime).Seconds()
	var speed int64
	if elapsed > 0 {
		speed = int64(float64(srcObj.Size()) / elapsed)
	}

	if onProgress != nil {
		onProgress(Progress{
			Transferred: srcObj.Size(),
			BytesPerSec: speed,
		})
	}

	b.logger.Debug().
		Str("file", dstName).
		Int64("size", srcObj.Size()).
		Float64("speed_mbps", float64(speed)/rcloneBytesPerMB).
		Msg("rclone upload complete")

	return nil
}

// TaskStatus always reports success: rclone uploads are synchronous.
func (b *rcloneBackend) TaskStatus(context.Context, string) (TaskState, error) {
	return TaskSucceeded, nil
}

// Refresh is a no-op for rclone remotes.
func (b *rcloneBackend) Refresh(context.Context, string) error {
	return nil
}

// monitorProgress periodically reports transfer progress from the stats group.
func monitorProgress(
	stats *accounting.StatsInfo,
	onProgress ProgressFunc,
	done chan struct{},
) {
	ticker := time.NewTicker(rcloneDefaultProgressInterval)
	defer ticker.Stop()

	var lastBytes int64
	var lastTime time.Time

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			now := time.Now()
			bytes := stats.GetBytes()

			var speed int64
			if !lastTime.IsZero() && bytes > lastBytes {
				elapsed := now.Sub(lastTime).Seconds()
				if elapsed > 0 {
					speed = int64(float64(bytes-lastBytes) / elapsed)
				}
			}
			lastBytes = bytes
			lastTime = now

			onProgress(Progress{
				Transferred: bytes,
				BytesPerSec: speed,
			})
		}
	}
}
