package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketcloud/pocketcloud/internal/store"
)

const testAccount = "alice@cloud.example.com"

func newDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestEntry(t *testing.T) {
	t.Run("exists only after persist", func(t *testing.T) {
		var nilEntry *store.Entry
		assert.False(t, nilEntry.Exists())
		assert.False(t, (&store.Entry{}).Exists())
		assert.True(t, (&store.Entry{ID: 7}).Exists())
	})

	t.Run("directory detection", func(t *testing.T) {
		assert.True(t, (&store.Entry{MimeType: store.MimeTypeDirectory}).IsDirectory())
		assert.False(t, (&store.Entry{MimeType: "image/jpeg"}).IsDirectory())
	})
}

func TestStoreSave(t *testing.T) {
	ctx := context.Background()

	t.Run("insert assigns an id", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		e := &store.Entry{
			RemotePath: "/photos/img.jpg",
			MimeType:   "image/jpeg",
			Length:     1024,
			Etag:       "abc",
			Modified:   time.Now(),
		}
		require.NoError(t, st.Save(ctx, e))
		assert.NotZero(t, e.ID)
		assert.Equal(t, testAccount, e.AccountName)

		got, err := st.GetByPath(ctx, "/photos/img.jpg")
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, "image/jpeg", got.MimeType)
		assert.Equal(t, int64(1024), got.Length)
		assert.Equal(t, "abc", got.Etag)
	})

	t.Run("update by id", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		e := &store.Entry{RemotePath: "/a.txt", Etag: "v1"}
		require.NoError(t, st.Save(ctx, e))

		e.Etag = "v2"
		e.NeedsThumbnailUpdate = true
		require.NoError(t, st.Save(ctx, e))

		got, err := st.GetByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Etag)
		assert.True(t, got.NeedsThumbnailUpdate)
	})

	t.Run("saving the same path twice upserts", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		first := &store.Entry{RemotePath: "/a.txt", Etag: "v1"}
		require.NoError(t, st.Save(ctx, first))

		second := &store.Entry{RemotePath: "/a.txt", Etag: "v2"}
		require.NoError(t, st.Save(ctx, second))
		assert.Equal(t, first.ID, second.ID)

		got, err := st.GetByPath(ctx, "/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Etag)
	})

	t.Run("timestamps round-trip", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		now := time.Now().Truncate(time.Millisecond)
		e := &store.Entry{
			RemotePath:    "/a.txt",
			Modified:      now,
			LastSyncData:  now,
			LastSyncProps: now,
		}
		require.NoError(t, st.Save(ctx, e))

		got, err := st.GetByPath(ctx, "/a.txt")
		require.NoError(t, err)
		assert.True(t, got.Modified.Equal(now))
		assert.True(t, got.LastSyncData.Equal(now))
		assert.True(t, got.LastSyncProps.Equal(now))
		assert.True(t, got.Created.IsZero())
	})
}

func TestStoreGet(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown path returns ErrNotFound", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		_, err := st.GetByPath(ctx, "/missing.txt")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown id returns ErrNotFound", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		_, err := st.GetByID(ctx, 4711)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("entries are scoped per account", func(t *testing.T) {
		db := newDB(t)
		alice := db.ForAccount(testAccount)
		bob := db.ForAccount("bob@cloud.example.com")

		require.NoError(t, alice.Save(ctx, &store.Entry{RemotePath: "/a.txt"}))

		_, err := bob.GetByPath(ctx, "/a.txt")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestStoreRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the entry", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		require.NoError(t, st.Save(ctx, &store.Entry{RemotePath: "/a.txt"}))
		require.NoError(t, st.Remove(ctx, "/a.txt"))

		_, err := st.GetByPath(ctx, "/a.txt")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("removing a missing path is a no-op", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)
		assert.NoError(t, st.Remove(ctx, "/missing.txt"))
	})
}

func TestStoreSaveConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("records and clears the conflicting etag", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		e := &store.Entry{RemotePath: "/a.txt"}
		require.NoError(t, st.Save(ctx, e))

		require.NoError(t, st.SaveConflict(ctx, e, "server-etag"))
		got, err := st.GetByPath(ctx, "/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "server-etag", got.ConflictEtag)

		require.NoError(t, st.SaveConflict(ctx, e, ""))
		got, err = st.GetByPath(ctx, "/a.txt")
		require.NoError(t, err)
		assert.Empty(t, got.ConflictEtag)
	})

	t.Run("persists unsaved entries", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		e := &store.Entry{RemotePath: "/new.txt"}
		require.NoError(t, st.SaveConflict(ctx, e, "server-etag"))
		assert.NotZero(t, e.ID)

		got, err := st.GetByPath(ctx, "/new.txt")
		require.NoError(t, err)
		assert.Equal(t, "server-etag", got.ConflictEtag)
	})
}

func TestCapabilities(t *testing.T) {
	ctx := context.Background()

	t.Run("missing capabilities yield an empty default", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)

		caps, err := st.Capabilities(ctx)
		require.NoError(t, err)
		assert.Equal(t, testAccount, caps.AccountName)
		assert.Empty(t, caps.ServerVersion)
	})

	t.Run("save and read back", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.SaveCapabilities(ctx, store.Capabilities{
			AccountName:   testAccount,
			ServerVersion: "10.0.2",
		}))

		caps, err := db.ForAccount(testAccount).Capabilities(ctx)
		require.NoError(t, err)
		assert.Equal(t, "10.0.2", caps.ServerVersion)
		assert.False(t, caps.UpdatedAt.IsZero())
	})

	t.Run("save replaces the previous version", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.SaveCapabilities(ctx, store.Capabilities{
			AccountName:   testAccount,
			ServerVersion: "9.1.0",
		}))
		require.NoError(t, db.SaveCapabilities(ctx, store.Capabilities{
			AccountName:   testAccount,
			ServerVersion: "10.0.2",
		}))

		caps, err := db.ForAccount(testAccount).Capabilities(ctx)
		require.NoError(t, err)
		assert.Equal(t, "10.0.2", caps.ServerVersion)
	})
}

func TestLaterQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("put then update state", func(t *testing.T) {
		q := newDB(t).LaterQueue()

		require.NoError(t, q.PutForLater(ctx, "/local/p.jpg", testAccount, "quota exceeded"))

		rows, err := q.UpdateFileState(ctx, "/local/p.jpg", store.LaterStateFailed, "still full")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)
	})

	t.Run("update without record touches nothing", func(t *testing.T) {
		q := newDB(t).LaterQueue()

		rows, err := q.UpdateFileState(ctx, "/local/missing.jpg", store.LaterStateFailed, "")
		require.NoError(t, err)
		assert.Zero(t, rows)
	})

	t.Run("put twice keeps one record", func(t *testing.T) {
		q := newDB(t).LaterQueue()

		require.NoError(t, q.PutForLater(ctx, "/local/p.jpg", testAccount, "first"))
		require.NoError(t, q.PutForLater(ctx, "/local/p.jpg", testAccount, "second"))

		rows, err := q.UpdateFileState(ctx, "/local/p.jpg", store.LaterStatePending, "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)
	})

	t.Run("remove pending drops the record", func(t *testing.T) {
		q := newDB(t).LaterQueue()

		require.NoError(t, q.PutForLater(ctx, "/local/p.jpg", testAccount, "quota"))
		require.NoError(t, q.RemovePending(ctx, "/local/p.jpg"))

		rows, err := q.UpdateFileState(ctx, "/local/p.jpg", store.LaterStateFailed, "")
		require.NoError(t, err)
		assert.Zero(t, rows)
	})

	t.Run("removing a missing record is a no-op", func(t *testing.T) {
		q := newDB(t).LaterQueue()
		assert.NoError(t, q.RemovePending(ctx, "/local/missing.jpg"))
	})
}

func TestRemoveAccountData(t *testing.T) {
	ctx := context.Background()

	t.Run("drops files, capabilities, and deferred uploads", func(t *testing.T) {
		db := newDB(t)
		st := db.ForAccount(testAccount)

		require.NoError(t, st.Save(ctx, &store.Entry{RemotePath: "/a.txt"}))
		require.NoError(t, db.SaveCapabilities(ctx, store.Capabilities{
			AccountName:   testAccount,
			ServerVersion: "10.0.2",
		}))
		require.NoError(t, db.LaterQueue().PutForLater(ctx, "/local/p.jpg", testAccount, "quota"))

		require.NoError(t, db.RemoveAccountData(ctx, testAccount))

		_, err := st.GetByPath(ctx, "/a.txt")
		assert.ErrorIs(t, err, store.ErrNotFound)

		caps, err := st.Capabilities(ctx)
		require.NoError(t, err)
		assert.Empty(t, caps.ServerVersion)

		rows, err := db.LaterQueue().UpdateFileState(ctx, "/local/p.jpg", store.LaterStateFailed, "")
		require.NoError(t, err)
		assert.Zero(t, rows)
	})

	t.Run("other accounts are untouched", func(t *testing.T) {
		db := newDB(t)
		bob := db.ForAccount("bob@cloud.example.com")

		require.NoError(t, bob.Save(ctx, &store.Entry{RemotePath: "/b.txt"}))
		require.NoError(t, db.RemoveAccountData(ctx, testAccount))

		_, err := bob.GetByPath(ctx, "/b.txt")
		assert.NoError(t, err)
	})
}

func TestTriggerMediaScan(t *testing.T) {
	ctx := context.Background()

	t.Run("empty storage path is a no-op", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)
		assert.NoError(t, st.TriggerMediaScan(ctx, ""))
	})

	t.Run("records the scan request", func(t *testing.T) {
		st := newDB(t).ForAccount(testAccount)
		assert.NoError(t, st.TriggerMediaScan(ctx, "/local/files/a.jpg"))
	})
}
