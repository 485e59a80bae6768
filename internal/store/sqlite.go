package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	// SQLite driver.
	_ "modernc.org/sqlite"
)

// DB is the SQLite-backed catalog. Per-account Store handles are obtained
// with ForAccount; the later-retry queue is account-independent.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Option is a functional option for configuring the database.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// Open opens (or creates) the catalog database at dsn and runs migrations.
// Use ":memory:" for an in-memory database in tests.
func Open(dsn string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &DB{
		db:     db,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if err = d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return d, nil
}

// configureSQLite applies SQLite-specific PRAGMA settings.
func configureSQLite(db *sql.DB) error {
	ctx := context.Background()

	// Enable foreign keys
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return nil
}

// migrate creates or updates the schema.
func (d *DB) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS files (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	account                TEXT    NOT NULL,
	remote_path            TEXT    NOT NULL,
	parent_id              INTEGER NOT NULL DEFAULT 0,
	mime_type              TEXT    NOT NULL DEFAULT '',
	length                 INTEGER NOT NULL DEFAULT 0,
	etag                   TEXT    NOT NULL DEFAULT '',
	remote_id              TEXT    NOT NULL DEFAULT '',
	created_at             INTEGER NOT NULL DEFAULT 0,
	modified_at            INTEGER NOT NULL DEFAULT 0,
	last_sync_data         INTEGER NOT NULL DEFAULT 0,
	last_sync_props        INTEGER NOT NULL DEFAULT 0,
	storage_path           TEXT    NOT NULL DEFAULT '',
	needs_thumbnail_update INTEGER NOT NULL DEFAULT 0,
	conflict_etag          TEXT    NOT NULL DEFAULT '',
	UNIQUE (account, remote_path)
);
CREATE TABLE IF NOT EXISTS capabilities (
	account        TEXT PRIMARY KEY,
	server_version TEXT    NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS later_uploads (
	id         TEXT PRIMARY KEY,
	local_path TEXT NOT NULL,
	account    TEXT NOT NULL,
	state      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (local_path, account)
);
CREATE TABLE IF NOT EXISTS media_scans (
	id           TEXT PRIMARY KEY,
	storage_path TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// ForAccount returns a Store handle scoped to one account.
func (d *DB) ForAccount(accountName string) Store {
	return &accountStore{
		db:      d,
		account: accountName,
	}
}

// SaveCapabilities upserts the cached server capabilities for an account.
func (d *DB) SaveCapabilities(ctx context.Context, caps Capabilities) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO capabilities (account, server_version, updated_at) VALUES (?, ?, ?)
ON CONFLICT (account) DO UPDATE SET server_version = excluded.server_version,
	updated_at = excluded.updated_at`,
		caps.AccountName, caps.ServerVersion, timeToMillis(time.Now()))
	return err
}

// RemoveAccountData drops every row belonging to an account. Called when an
// account is removed from the device.
func (d *DB) RemoveAccountData(ctx context.Context, accountName string) error {
	var errs []error
	for _, stmt := range []string{
		`DELETE FROM files WHERE account = ?`,
		`DELETE FROM capabilities WHERE account = ?`,
		`DELETE FROM later_uploads WHERE account = ?`,
	} {
		if _, err := d.db.ExecContext(ctx, stmt, accountName); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const entryColumns = `id, account, remote_path, parent_id, mime_type, length, etag, remote_id,
	created_at, modified_at, last_sync_data, last_sync_props, storage_path,
	needs_thumbnail_update, conflict_etag`

// accountStore implements Store for a single account.
type accountStore struct {
	db      *DB
	account string
}

func (s *accountStore) GetByPath(ctx context.Context, remotePath string) (*Entry, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM files WHERE account = ? AND remote_path = ?`,
		s.account, remotePath)
	return scanEntry(row)
}

func (s *accountStore) GetByID(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM files WHERE account = ? AND id = ?`,
		s.account, id)
	return scanEntry(row)
}

func (s *accountStore) Save(ctx context.Context, e *Entry) error {
	e.AccountName = s.account

	if e.ID == 0 {
		res, err := s.db.db.ExecContext(ctx, `
INSERT INTO files (account, remote_path, parent_id, mime_type, length, etag, remote_id,
	created_at, modified_at, last_sync_data, last_sync_props, storage_path,
	needs_thumbnail_update, conflict_etag)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (account, remote_path) DO UPDATE SET
	parent_id = excluded.parent_id, mime_type = excluded.mime_type,
	length = excluded.length, etag = excluded.etag, remote_id = excluded.remote_id,
	created_at = excluded.created_at, modified_at = excluded.modified_at,
	last_sync_data = excluded.last_sync_data, last_sync_props = excluded.last_sync_props,
	storage_path = excluded.storage_path,
	needs_thumbnail_update = excluded.needs_thumbnail_update,
	conflict_etag = excluded.conflict_etag`,
			e.AccountName, e.RemotePath, e.ParentID, e.MimeType, e.Length, e.Etag, e.RemoteID,
			timeToMillis(e.Created), timeToMillis(e.Modified),
			timeToMillis(e.LastSyncData), timeToMillis(e.LastSyncProps),
			e.StoragePath, boolToInt(e.NeedsThumbnailUpdate), e.ConflictEtag)
		if err != nil {
			return fmt.Errorf("failed to save entry %q: %w", e.RemotePath, err)
		}
		// LastInsertId is unreliable after an upsert-update; re-read the id.
		if id, idErr := res.LastInsertId(); idErr == nil && id != 0 {
			e.ID = id
		}
		if e.ID == 0 {
			saved, getErr := s.GetByPath(ctx, e.RemotePath)
			if getErr != nil {
				return getErr
			}
			e.ID = saved.ID
		}
		return nil
	}

	_, err := s.db.db.ExecContext(ctx, `
UPDATE files SET remote_path = ?, parent_id = ?, mime_type = ?, length = ?, etag = ?,
	remote_id = ?, created_at = ?, modified_at = ?, last_sync_data = ?, last_sync_props = ?,
	storage_path = ?, needs_thumbnail_update = ?, conflict_etag = ?
WHERE account = ? AND id = ?`,
		e.RemotePath, e.ParentID, e.MimeType, e.Length, e.Etag, e.RemoteID,
		timeToMillis(e.Created), timeToMillis(e.Modified),
		timeToMillis(e.LastSyncData), timeToMillis(e.LastSyncProps),
		e.StoragePath, boolToInt(e.NeedsThumbnailUpdate), e.ConflictEtag,
		e.AccountName, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update entry %q: %w", e.RemotePath, err)
	}
	return nil
}

func (s *accountStore) Remove(ctx context.Context, remotePath string) error {
	_, err := s.db.db.ExecContext(ctx,
		`DELETE FROM files WHERE account = ? AND remote_path = ?`,
		s.account, remotePath)
	return err
}

func (s *accountStore) SaveConflict(ctx context.Context, e *Entry, etag string) error {
	e.ConflictEtag = etag
	if !e.Exists() {
		return s.Save(ctx, e)
	}
	_, err := s.db.db.ExecContext(ctx,
		`UPDATE files SET conflict_etag = ? WHERE account = ? AND id = ?`,
		etag, s.account, e.ID)
	return err
}

func (s *accountStore) Capabilities(ctx context.Context) (Capabilities, error) {
	var caps Capabilities
	var updatedAt int64
	err := s.db.db.QueryRowContext(ctx,
		`SELECT account, server_version, updated_at FROM capabilities WHERE account = ?`,
		s.account).Scan(&caps.AccountName, &caps.ServerVersion, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Capabilities{AccountName: s.account}, nil
	}
	if err != nil {
		return Capabilities{}, err
	}
	caps.UpdatedAt = millisToTime(updatedAt)
	return caps, nil
}

func (s *accountStore) TriggerMediaScan(ctx context.Context, storagePath string) error {
	if storagePath == "" {
		return nil
	}
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO media_scans (id, storage_path, created_at) VALUES (?, ?, ?)`,
		ulid.Make().String(), storagePath, timeToMillis(time.Now()))
	return err
}

// LaterQueue returns the deferred-upload queue.
func (d *DB) LaterQueue() LaterQueue {
	return &laterQueue{db: d}
}

type laterQueue struct {
	db *DB
}

func (q *laterQueue) PutForLater(ctx context.Context, localPath, accountName, message string) error {
	_, err := q.db.db.ExecContext(ctx, `
INSERT INTO later_uploads (id, local_path, account, state, message, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (local_path, account) DO UPDATE SET state = excluded.state,
	message = excluded.message`,
		ulid.Make().String(), localPath, accountName, string(LaterStatePending),
		message, timeToMillis(time.Now()))
	return err
}

func (q *laterQueue) UpdateFileState(
	ctx context.Context,
	localPath string,
	state LaterState,
	message string,
) (int64, error) {
	res, err := q.db.db.ExecContext(ctx,
		`UPDATE later_uploads SET state = ?, message = ? WHERE local_path = ?`,
		string(state), message, localPath)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *laterQueue) RemovePending(ctx context.Context, localPath string) error {
	_, err := q.db.db.ExecContext(ctx,
		`DELETE FROM later_uploads WHERE local_path = ?`, localPath)
	return err
}

// scanEntry reads one entry row.
func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var created, modified, syncData, syncProps int64
	var needsThumb int
	err := row.Scan(&e.ID, &e.AccountName, &e.RemotePath, &e.ParentID, &e.MimeType,
		&e.Length, &e.Etag, &e.RemoteID, &created, &modified, &syncData, &syncProps,
		&e.StoragePath, &needsThumb, &e.ConflictEtag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Created = millisToTime(created)
	e.Modified = millisToTime(modified)
	e.LastSyncData = millisToTime(syncData)
	e.LastSyncProps = millisToTime(syncProps)
	e.NeedsThumbnailUpdate = needsThumb != 0
	return &e, nil
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
