// Package store provides the local metadata catalog of remote files,
// backed by SQLite.
package store

import (
	"context"
	"errors"
	"time"
)

// MimeTypeDirectory marks catalog entries that represent remote collections.
const MimeTypeDirectory = "DIR"

// ErrNotFound is returned when no entry matches a lookup.
var ErrNotFound = errors.New("store: entry not found")

// Entry is the catalog record of a remote file. It mirrors the server's view
// plus local bookkeeping. Entries are mutated only by the result publisher
// after transfers settle.
type Entry struct {
	// ID is assigned by the store on first save; zero means not yet persisted.
	ID int64
	// ParentID links the entry to its parent directory entry.
	ParentID int64
	// AccountName scopes the entry to one account.
	AccountName string
	// RemotePath is the absolute /-separated path on the server.
	RemotePath string

	MimeType string
	Length   int64
	Etag     string
	RemoteID string

	Created  time.Time
	Modified time.Time

	// LastSyncData is when payload bytes last matched the server.
	LastSyncData time.Time
	// LastSyncProps is when properties last matched the server.
	LastSyncProps time.Time

	// StoragePath links the entry to a file on local storage, if any.
	StoragePath string
	// NeedsThumbnailUpdate flags the entry for thumbnail regeneration.
	NeedsThumbnailUpdate bool
	// ConflictEtag holds the server's etag when a sync conflict is pending
	// resolution; empty otherwise.
	ConflictEtag string
}

// Exists reports whether the entry has been persisted.
func (e *Entry) Exists() bool {
	return e != nil && e.ID != 0
}

// IsDirectory reports whether the entry represents a collection.
func (e *Entry) IsDirectory() bool {
	return e.MimeType == MimeTypeDirectory
}

// Capabilities holds the server capabilities cached for an account.
type Capabilities struct {
	AccountName   string
	ServerVersion string
	UpdatedAt     time.Time
}

// Store is the per-account metadata catalog handle consumed by the upload
// engine. The worker refreshes its handle whenever the active account
// changes.
type Store interface {
	// GetByPath returns the entry at a remote path, or ErrNotFound.
	GetByPath(ctx context.Context, remotePath string) (*Entry, error)

	// GetByID returns the entry with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id int64) (*Entry, error)

	// Save inserts or updates an entry, assigning Entry.ID on insert.
	Save(ctx context.Context, e *Entry) error

	// Remove deletes the entry at a remote path. Missing paths are a no-op.
	Remove(ctx context.Context, remotePath string) error

	// SaveConflict records the conflicting server etag on an entry; an empty
	// etag clears a previously recorded conflict.
	SaveConflict(ctx context.Context, e *Entry, etag string) error

	// Capabilities returns the cached server capabilities for the account.
	Capabilities(ctx context.Context) (Capabilities, error)

	// TriggerMediaScan enqueues a media-scan notification for a storage path.
	TriggerMediaScan(ctx context.Context, storagePath string) error
}

// LaterState is the retry state of a deferred instant upload.
type LaterState string

const (
	// LaterStatePending marks an upload awaiting out-of-band retry.
	LaterStatePending LaterState = "pending"
	// LaterStateFailed marks an upload whose last attempt failed.
	LaterStateFailed LaterState = "failed"
)

// LaterQueue persists instant uploads that failed on quota so they can be
// retried out of band. Keys are original local paths.
type LaterQueue interface {
	// PutForLater records a deferred upload.
	PutForLater(ctx context.Context, localPath, accountName, message string) error

	// UpdateFileState updates the state of an existing record and returns the
	// number of rows touched (zero means no record exists yet).
	UpdateFileState(ctx context.Context, localPath string, state LaterState, message string) (int64, error)

	// RemovePending drops the record for a local path. Missing paths are a
	// no-op.
	RemovePending(ctx context.Context, localPath string) error
}
