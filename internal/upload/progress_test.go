package upload_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mocks "github.com/pocketcloud/pocketcloud/internal/testing"
	"github.com/pocketcloud/pocketcloud/internal/upload"
)

func TestProgressBus(t *testing.T) {
	t.Run("dispatches to the bound listener", func(t *testing.T) {
		bus := upload.NewProgressBus()
		rec := mocks.NewProgressRecorder()

		bus.Bind("alice", "/a.txt", rec)
		bus.Dispatch("alice", "/a.txt", 10, 10, 100)

		events := rec.Events()
		require.Len(t, events, 1)
		assert.Equal(t, int64(10), events[0].BytesChunk)
		assert.Equal(t, int64(100), events[0].TotalBytes)
		assert.Equal(t, "/a.txt", events[0].RemotePath)
	})

	t.Run("unobserved transfers are silent", func(t *testing.T) {
		bus := upload.NewProgressBus()
		rec := mocks.NewProgressRecorder()

		bus.Bind("alice", "/a.txt", rec)
		bus.Dispatch("alice", "/other.txt", 10, 10, 100)
		bus.Dispatch("bob", "/a.txt", 10, 10, 100)

		assert.Empty(t, rec.Events())
	})

	t.Run("rebinding replaces the listener", func(t *testing.T) {
		bus := upload.NewProgressBus()
		first := mocks.NewProgressRecorder()
		second := mocks.NewProgressRecorder()

		bus.Bind("alice", "/a.txt", first)
		bus.Bind("alice", "/a.txt", second)
		bus.Dispatch("alice", "/a.txt", 1, 1, 1)

		assert.Empty(t, first.Events())
		assert.Len(t, second.Events(), 1)
	})

	t.Run("unbind requires the same listener", func(t *testing.T) {
		bus := upload.NewProgressBus()
		bound := mocks.NewProgressRecorder()
		other := mocks.NewProgressRecorder()

		bus.Bind("alice", "/a.txt", bound)
		bus.Unbind("alice", "/a.txt", other)
		bus.Dispatch("alice", "/a.txt", 1, 1, 1)
		assert.Len(t, bound.Events(), 1)

		bus.Unbind("alice", "/a.txt", bound)
		bus.Dispatch("alice", "/a.txt", 1, 2, 2)
		assert.Len(t, bound.Events(), 1)
	})

	t.Run("unbinding an unbound key is a no-op", func(t *testing.T) {
		bus := upload.NewProgressBus()
		bus.Unbind("alice", "/nope.txt", mocks.NewProgressRecorder())
	})
}
