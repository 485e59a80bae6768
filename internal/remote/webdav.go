package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/accounting"
	"github.com/rclone/rclone/fs/config/obscure"
	"github.com/rclone/rclone/fs/operations"
	"github.com/rs/zerolog"

	// Import backends we need.
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/webdav"

	"github.com/pocketcloud/pocketcloud/internal/account"
)

// Default rclone configuration values.
const (
	webdavDefaultProgressInterval = 500 * time.Millisecond
	webdavDefaultChunkSize        = 1 << 20 // advertised nextcloud chunk size
)

// rcloneGlobalsOnce ensures global rclone configuration is only set once.
// This prevents race conditions when multiple clients are created concurrently.
//
//nolint:gochecknoglobals // sync primitives for thread-safe rclone initialization
var rcloneGlobalsOnce sync.Once

// rcloneNewFsMu serializes fs.NewFs calls to work around race conditions in
// rclone's config loading (github.com/rclone/rclone/issues/8666).
//
//nolint:gochecknoglobals // sync primitives for thread-safe rclone initialization
var rcloneNewFsMu sync.Mutex

// webdavClient implements Client using rclone's webdav backend.
// It is private and only exposed via the Client interface.
type webdavClient struct {
	acct    account.Account
	logger  zerolog.Logger
	timeout time.Duration

	// Cached remote filesystem to reuse connections
	remoteFs   fs.Fs
	remoteOnce sync.Once
	remoteErr  error
}

// WebDAVOption is a functional option for configuring the webdav client.
type WebDAVOption func(*webdavClient)

// WithWebDAVLogger sets the logger for the client.
func WithWebDAVLogger(logger zerolog.Logger) WebDAVOption {
	return func(c *webdavClient) {
		c.logger = logger
	}
}

// WithWebDAVTimeout sets the HTTP idle and connect timeout for the account's
// connections. Zero keeps rclone's defaults.
func WithWebDAVTimeout(timeout time.Duration) WebDAVOption {
	return func(c *webdavClient) {
		c.timeout = timeout
	}
}

// NewWebDAV creates a client for the account's server and returns it as
// Client. Use it as the Factory of a Registry:
//
//	remote.NewRegistry(func(a account.Account) (remote.Client, error) {
//		return remote.NewWebDAV(a), nil
//	})
func NewWebDAV(a account.Account, opts ...WebDAVOption) Client {
	c := &webdavClient{
		acct:   a,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	configureGlobals()

	return c
}

// configureGlobals sets up global rclone configuration once.
func configureGlobals() {
	rcloneGlobalsOnce.Do(func() {
		ci := fs.GetConfig(context.Background())

		// The engine serializes transfers itself; one at a time.
		ci.Transfers = 1
		ci.Checkers = 1
		ci.StreamingUploadCutoff = 0

		// Reduce verbosity
		ci.LogLevel = fs.LogLevelError
	})
}

// getRemoteFs returns the cached webdav filesystem or creates a new one.
func (c *webdavClient) getRemoteFs(ctx context.Context) (fs.Fs, error) {
	c.remoteOnce.Do(func() {
		c.remoteFs, c.remoteErr = c.createRemoteFs(ctx)
	})
	return c.remoteFs, c.remoteErr
}

// createRemoteFs creates a webdav filesystem rooted at the account's server.
func (c *webdavClient) createRemoteFs(ctx context.Context) (fs.Fs, error) {
	if c.timeout > 0 {
		// A per-context config copy so the timeout stays scoped to this
		// account's filesystem.
		var ci *fs.ConfigInfo
		ctx, ci = fs.AddConfig(ctx)
		ci.Timeout = fs.Duration(c.timeout)
		ci.ConnectTimeout = fs.Duration(c.timeout)
	}

	pass, err := obscure.Obscure(c.acct.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to obscure password: %w", err)
	}

	// Build connection string using rclone's backend connection string format.
	// Using fs.NewFs with a connection string ensures all defaults are applied
	// properly. Format: :webdav,option=value,option2=value2:/path
	connStr := fmt.Sprintf(
		":webdav,url=%s,vendor=owncloud,user=%s,pass=%s,nextcloud_chunk_size=%d:/",
		c.acct.ServerURL,
		c.acct.Username,
		pass,
		webdavDefaultChunkSize,
	)

	rcloneNewFsMu.Lock()
	remoteFs, err := fs.NewFs(ctx, connStr)
	rcloneNewFsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav filesystem: %w", mapError(err))
	}

	c.logger.Info().
		Str("account", c.acct.Name).
		Str("url", c.acct.ServerURL).
		Msg("webdav connection established")

	return remoteFs, nil
}

// Exists probes whether a remote path exists, as file or as collection.
func (c *webdavClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	remoteFs, err := c.getRemoteFs(ctx)
	if err != nil {
		return false, err
	}

	rel := trimRoot(remotePath)
	if rel == "" {
		return true, nil
	}

	_, err = remoteFs.NewObject(ctx, rel)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrorIsDir):
		return true, nil
	case errors.Is(err, fs.ErrorObjectNotFound):
		// Could still be a collection; listing answers that.
		if _, listErr := remoteFs.List(ctx, rel); listErr == nil {
			return true, nil
		} else if errors.Is(listErr, fs.ErrorDirNotFound) {
			return false, nil
		} else {
			return false, mapError(listErr)
		}
	default:
		return false, mapError(err)
	}
}

// MkCol creates a remote collection. With recursive set, every missing
// ancestor is created first, root down.
func (c *webdavClient) MkCol(ctx context.Context, remotePath string, recursive bool) error {
	remoteFs, err := c.getRemoteFs(ctx)
	if err != nil {
		return err
	}

	rel := trimRoot(remotePath)
	if !recursive {
		if mkErr := remoteFs.Mkdir(ctx, rel); mkErr != nil {
			return mapError(mkErr)
		}
		return nil
	}

	segments := strings.Split(rel, "/")
	current := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		current = path.Join(current, seg)
		if mkErr := remoteFs.Mkdir(ctx, current); mkErr != nil {
			return mapError(mkErr)
		}
	}
	return nil
}

// Put uploads a local file to the remote path, reporting progress.
func (c *webdavClient) Put(ctx context.Context, req PutRequest, onProgress ProgressFunc) error {
	remoteFs, err := c.getRemoteFs(ctx)
	if err != nil {
		return err
	}

	c.logger.Debug().
		Str("local", req.LocalPath).
		Str("remote", req.RemotePath).
		Int64("size", req.Size).
		Bool("chunked", req.Chunked).
		Msg("starting webdav put")

	localDir, localName := path.Split(req.LocalPath)

	rcloneNewFsMu.Lock()
	localFs, err := fs.NewFs(ctx, localDir)
	rcloneNewFsMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create local filesystem: %w", err)
	}

	srcObj, err := localFs.NewObject(ctx, localName)
	if err != nil {
		return fmt.Errorf("failed to open local file %q: %w", req.LocalPath, mapError(err))
	}

	return c.copyWithProgress(ctx, remoteFs, srcObj, trimRoot(req.RemotePath), req, onProgress)
}

// copyWithProgress copies a file and reports progress from a per-transfer
// stats group.
func (c *webdavClient) copyWithProgress(
	ctx context.Context,
	dstFs fs.Fs,
	srcObj fs.Object,
	dstName string,
	req PutRequest,
	onProgress ProgressFunc,
) error {
	// A unique stats group per transfer avoids conflicts with concurrent puts.
	groupName := fmt.Sprintf("put-%s-%d", dstName, time.Now().UnixNano())
	transferCtx := accounting.WithStatsGroup(ctx, groupName)
	stats := accounting.StatsGroup(transferCtx, groupName)

	var wg sync.WaitGroup
	done := make(chan struct{})

	if onProgress != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.monitorProgress(stats, req, onProgress, done)
		}()
	}

	_, err := operations.Copy(transferCtx, dstFs, nil, dstName, srcObj)

	close(done)
	wg.Wait()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return mapError(err)
	}

	// Final progress update so listeners always observe total == bytesSoFar.
	if onProgress != nil {
		onProgress(0, req.Size, req.Size, req.RemotePath)
	}

	c.logger.Debug().
		Str("remote", req.RemotePath).
		Int64("size", req.Size).
		Msg("webdav put complete")

	return nil
}

// monitorProgress periodically reports transfer progress from the stats group.
func (c *webdavClient) monitorProgress(
	stats *accounting.StatsInfo,
	req PutRequest,
	onProgress ProgressFunc,
	done chan struct{},
) {
	ticker := time.NewTicker(webdavDefaultProgressInterval)
	defer ticker.Stop()

	var lastBytes int64

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bytes := stats.GetBytes()
			if bytes <= lastBytes {
				continue
			}
			onProgress(bytes-lastBytes, bytes, req.Size, req.RemotePath)
			lastBytes = bytes
		}
	}
}

// Stat reads the properties of a remote path (depth-0 PROPFIND).
// The generic rclone layer does not surface etags, so FileInfo.Etag is left
// empty here; the metadata store treats an empty etag as "unchanged".
func (c *webdavClient) Stat(ctx context.Context, remotePath string) (*FileInfo, error) {
	remoteFs, err := c.getRemoteFs(ctx)
	if err != nil {
		return nil, err
	}

	rel := trimRoot(remotePath)
	obj, err := remoteFs.NewObject(ctx, rel)
	if err != nil {
		if errors.Is(err, fs.ErrorIsDir) {
			return &FileInfo{Path: remotePath, IsDir: true}, nil
		}
		return nil, mapError(err)
	}

	info := &FileInfo{
		Path:     remotePath,
		Length:   obj.Size(),
		Modified: obj.ModTime(ctx),
		MimeType: fs.MimeType(ctx, obj),
	}
	if ider, ok := obj.(fs.IDer); ok {
		info.RemoteID = ider.ID()
	}
	return info, nil
}

// Close releases the cached filesystem.
func (c *webdavClient) Close() error {
	if c.remoteFs != nil {
		if shutdowner, ok := c.remoteFs.(fs.Shutdowner); ok {
			_ = shutdowner.Shutdown(context.Background())
		}
	}
	return nil
}

// trimRoot strips the leading slash so absolute engine paths resolve against
// the filesystem root rclone is anchored at.
func trimRoot(remotePath string) string {
	return strings.TrimPrefix(remotePath, "/")
}

// mapError folds rclone and transport errors into the package's typed errors,
// keeping the original error in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, fs.ErrorObjectNotFound), errors.Is(err, fs.ErrorDirNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	case strings.Contains(msg, "507") || strings.Contains(msg, "insufficient storage") ||
		strings.Contains(msg, "quota"):
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	case strings.Contains(msg, "412") || strings.Contains(msg, "precondition failed"):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return err
}
