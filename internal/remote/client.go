// Package remote provides the client interface for the sync server's
// WebDAV-style operations, plus a per-account client cache that doubles as
// the credential source.
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pocketcloud/pocketcloud/internal/account"
)

// Typed errors mapped from server responses. Callers match with errors.Is.
var (
	// ErrNotFound indicates the remote path does not exist.
	ErrNotFound = errors.New("remote: not found")
	// ErrUnauthorized indicates expired or rejected credentials.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrForbidden indicates the server refused the operation.
	ErrForbidden = errors.New("remote: forbidden")
	// ErrQuotaExceeded indicates the account is out of space.
	ErrQuotaExceeded = errors.New("remote: quota exceeded")
	// ErrConflict indicates the server holds a newer version than the one
	// referenced by the upload.
	ErrConflict = errors.New("remote: sync conflict")
	// ErrUnreachable indicates the server could not be reached.
	ErrUnreachable = errors.New("remote: network unreachable")
)

// FileInfo holds the properties of a remote file, as reported by a
// depth-0 PROPFIND.
type FileInfo struct {
	Path     string
	Length   int64
	MimeType string
	Etag     string
	RemoteID string
	Created  time.Time
	Modified time.Time
	IsDir    bool
}

// PutRequest describes a single file upload.
type PutRequest struct {
	// LocalPath is the source file on local storage.
	LocalPath string
	// RemotePath is the absolute destination path on the server.
	RemotePath string
	// MimeType is sent as the content type.
	MimeType string
	// Size is the expected payload size in bytes.
	Size int64
	// Chunked selects the segmented transport when the server supports it.
	Chunked bool
}

// ProgressFunc receives byte progress during a Put. bytesChunk is the size of
// the segment just written, bytesSoFar and total are cumulative.
type ProgressFunc func(bytesChunk, bytesSoFar, total int64, path string)

// Client is the set of server operations the upload engine consumes. The
// engine never parses wire bytes; implementations own the protocol.
type Client interface {
	// Exists probes whether a remote path exists.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// MkCol creates a remote collection. With recursive set, missing
	// ancestors are created first.
	MkCol(ctx context.Context, remotePath string, recursive bool) error

	// Put uploads a file, reporting progress per written segment. A
	// cancelled context aborts at the next segment boundary.
	Put(ctx context.Context, req PutRequest, onProgress ProgressFunc) error

	// Stat reads the properties of a remote path (PROPFIND, depth 0).
	Stat(ctx context.Context, remotePath string) (*FileInfo, error)

	// Close releases any resources held by the client.
	Close() error
}

// Factory builds a client for an account. Implementations fetch fresh
// credentials on every call.
type Factory func(a account.Account) (Client, error)

// Registry caches one client per account name. It is the engine's credential
// source: Flush drops a cached client so the next ClientFor call obtains
// fresh credentials.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	clients map[string]Client
	logger  zerolog.Logger
}

// RegistryOption is a functional option for configuring the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a client registry backed by the given factory.
func NewRegistry(factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory: factory,
		clients: make(map[string]Client),
		logger:  zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ClientFor returns the cached client for the account, building one if
// needed.
func (r *Registry) ClientFor(a account.Account) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[a.Name]; ok {
		return c, nil
	}

	c, err := r.factory(a)
	if err != nil {
		return nil, err
	}
	r.clients[a.Name] = c

	r.logger.Debug().Str("account", a.Name).Msg("remote client created")
	return c, nil
}

// Flush drops the cached client for an account, closing it. The next
// ClientFor call rebuilds the client with fresh credentials.
func (r *Registry) Flush(name string) {
	r.mu.Lock()
	c, ok := r.clients[name]
	delete(r.clients, name)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		r.logger.Warn().Err(err).Str("account", name).Msg("error closing flushed client")
	}
	r.logger.Info().Str("account", name).Msg("remote client flushed")
}

// Close closes every cached client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.clients, name)
	}
	return errors.Join(errs...)
}
