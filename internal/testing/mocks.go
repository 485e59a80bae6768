// Package testing provides mock implementations for use in tests.
// This package should only be imported by test files (*_test.go).
package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pocketcloud/pocketcloud/internal/remote"
	"github.com/pocketcloud/pocketcloud/internal/store"
)

// NewTestDB creates an in-memory catalog database for testing.
// The database is automatically closed when the test completes.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// defaultPutChunks is how many progress events a default mock Put emits.
const defaultPutChunks = 4

// MockRemoteClient is a scripted implementation of remote.Client. The remote
// filesystem is a set of paths; Put adds the target and stamps a fresh etag.
type MockRemoteClient struct {
	mu    sync.RWMutex
	paths map[string]*remote.FileInfo
	etag  int

	// Recorded calls
	PutCalls    []remote.PutRequest
	MkColCalls  []string
	ExistsCalls []string
	StatCalls   []string
	Closed      bool

	// Hooks for custom behavior
	OnExists func(ctx context.Context, remotePath string) (bool, error)
	OnMkCol  func(ctx context.Context, remotePath string, recursive bool) error
	OnPut    func(ctx context.Context, req remote.PutRequest, onProgress remote.ProgressFunc) error
	OnStat   func(ctx context.Context, remotePath string) (*remote.FileInfo, error)
}

// NewMockRemoteClient creates an empty mock remote.
func NewMockRemoteClient() *MockRemoteClient {
	return &MockRemoteClient{
		paths: make(map[string]*remote.FileInfo),
	}
}

// AddRemoteFile seeds the mock with an existing remote file.
func (m *MockRemoteClient) AddRemoteFile(remotePath string, info *remote.FileInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info == nil {
		info = &remote.FileInfo{Path: remotePath}
	}
	m.paths[remotePath] = info
}

// AddRemoteDir seeds the mock with an existing remote collection.
func (m *MockRemoteClient) AddRemoteDir(remotePath string) {
	m.AddRemoteFile(remotePath, &remote.FileInfo{Path: remotePath, IsDir: true})
}

// RemoteFile returns the scripted info at a path, if present.
func (m *MockRemoteClient) RemoteFile(remotePath string) (*remote.FileInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.paths[remotePath]
	return info, ok
}

// Exists probes the scripted filesystem. Collections exist implicitly when
// any descendant does.
func (m *MockRemoteClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	m.mu.Lock()
	m.ExistsCalls = append(m.ExistsCalls, remotePath)
	m.mu.Unlock()

	if m.OnExists != nil {
		return m.OnExists(ctx, remotePath)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if remotePath == "/" {
		return true, nil
	}
	if _, ok := m.paths[remotePath]; ok {
		return true, nil
	}
	prefix := strings.TrimSuffix(remotePath, "/") + "/"
	for p := range m.paths {
		if strings.HasPrefix(p, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// MkCol records the call and creates the collection.
func (m *MockRemoteClient) MkCol(ctx context.Context, remotePath string, recursive bool) error {
	m.mu.Lock()
	m.MkColCalls = append(m.MkColCalls, remotePath)
	m.mu.Unlock()

	if m.OnMkCol != nil {
		return m.OnMkCol(ctx, remotePath, recursive)
	}

	m.AddRemoteDir(remotePath)
	return nil
}

// Put simulates a chunked transfer: progress is reported in fixed steps with
// a context check between chunks, then the target appears in the scripted
// filesystem with a fresh etag.
func (m *MockRemoteClient) Put(ctx context.Context, req remote.PutRequest, onProgress remote.ProgressFunc) error {
	m.mu.Lock()
	m.PutCalls = append(m.PutCalls, req)
	m.mu.Unlock()

	if m.OnPut != nil {
		return m.OnPut(ctx, req, onProgress)
	}

	chunk := req.Size / defaultPutChunks
	if chunk == 0 {
		chunk = req.Size
	}
	var sent int64
	for sent < req.Size {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := chunk
		if sent+step > req.Size {
			step = req.Size - sent
		}
		sent += step
		if onProgress != nil {
			onProgress(step, sent, req.Size, req.RemotePath)
		}
	}
	if req.Size == 0 && onProgress != nil {
		onProgress(0, 0, 0, req.RemotePath)
	}

	m.mu.Lock()
	m.etag++
	m.paths[req.RemotePath] = &remote.FileInfo{
		Path:     req.RemotePath,
		Length:   req.Size,
		MimeType: req.MimeType,
		Etag:     fmt.Sprintf("etag-%d", m.etag),
		RemoteID: fmt.Sprintf("remote-%d", m.etag),
		Modified: time.Now(),
		Created:  time.Now(),
	}
	m.mu.Unlock()

	return nil
}

// Stat returns the scripted info at a path.
func (m *MockRemoteClient) Stat(ctx context.Context, remotePath string) (*remote.FileInfo, error) {
	m.mu.Lock()
	m.StatCalls = append(m.StatCalls, remotePath)
	m.mu.Unlock()

	if m.OnStat != nil {
		return m.OnStat(ctx, remotePath)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.paths[remotePath]
	if !ok {
		return nil, remote.ErrNotFound
	}
	cp := *info
	return &cp, nil
}

// Close records the call.
func (m *MockRemoteClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// LastEtag returns the etag assigned by the most recent Put.
func (m *MockRemoteClient) LastEtag() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.etag == 0 {
		return ""
	}
	return fmt.Sprintf("etag-%d", m.etag)
}

// RecordedPuts returns the recorded Put requests.
func (m *MockRemoteClient) RecordedPuts() []remote.PutRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]remote.PutRequest, len(m.PutCalls))
	copy(result, m.PutCalls)
	return result
}

// RecordedMkCols returns the recorded MkCol paths.
func (m *MockRemoteClient) RecordedMkCols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]string, len(m.MkColCalls))
	copy(result, m.MkColCalls)
	return result
}

// ProgressRecorder collects transfer progress events for assertions.
type ProgressRecorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

// ProgressEvent is one recorded progress callback.
type ProgressEvent struct {
	BytesChunk int64
	BytesSoFar int64
	TotalBytes int64
	RemotePath string
}

// NewProgressRecorder creates an empty recorder.
func NewProgressRecorder() *ProgressRecorder {
	return &ProgressRecorder{}
}

// OnTransferProgress implements upload.ProgressListener.
func (r *ProgressRecorder) OnTransferProgress(bytesChunk, bytesSoFar, totalBytes int64, remotePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ProgressEvent{
		BytesChunk: bytesChunk,
		BytesSoFar: bytesSoFar,
		TotalBytes: totalBytes,
		RemotePath: remotePath,
	})
}

// Events returns a snapshot of the recorded events.
func (r *ProgressRecorder) Events() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]ProgressEvent, len(r.events))
	copy(result, r.events)
	return result
}
