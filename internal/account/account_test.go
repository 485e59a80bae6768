package account_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketcloud/pocketcloud/internal/account"
	"github.com/pocketcloud/pocketcloud/internal/events"
)

func testAccount(name string) account.Account {
	return account.Account{
		Name:          name,
		ServerURL:     "https://cloud.example.com",
		Username:      "alice",
		Password:      "secret",
		ServerVersion: "10.0.2",
	}
}

func TestAccountSameAs(t *testing.T) {
	t.Run("equal names are the same account", func(t *testing.T) {
		a := testAccount("alice@cloud.example.com")
		b := a
		b.Password = "rotated"
		b.ServerVersion = "10.1.0"

		assert.True(t, a.SameAs(b))
	})

	t.Run("different names are different accounts", func(t *testing.T) {
		a := testAccount("alice@cloud.example.com")
		b := testAccount("bob@cloud.example.com")

		assert.False(t, a.SameAs(b))
	})
}

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := account.NewRegistry()
		a := testAccount("alice@cloud.example.com")
		r.Register(a)

		got, ok := r.Get(a.Name)
		require.True(t, ok)
		assert.Equal(t, a, got)
		assert.True(t, r.Exists(a.Name))
	})

	t.Run("register replaces existing account", func(t *testing.T) {
		r := account.NewRegistry()
		a := testAccount("alice@cloud.example.com")
		r.Register(a)

		a.Password = "rotated"
		r.Register(a)

		got, ok := r.Get(a.Name)
		require.True(t, ok)
		assert.Equal(t, "rotated", got.Password)
		assert.Len(t, r.All(), 1)
	})

	t.Run("get unknown account", func(t *testing.T) {
		r := account.NewRegistry()

		_, ok := r.Get("nobody@nowhere")
		assert.False(t, ok)
		assert.False(t, r.Exists("nobody@nowhere"))
	})

	t.Run("all returns a snapshot", func(t *testing.T) {
		r := account.NewRegistry()
		r.Register(testAccount("alice@cloud.example.com"))
		r.Register(testAccount("bob@cloud.example.com"))

		assert.Len(t, r.All(), 2)
	})
}

func TestRegistryRemove(t *testing.T) {
	t.Run("removes the account and announces it", func(t *testing.T) {
		bus := events.New()
		t.Cleanup(bus.Close)
		sub := bus.Subscribe(events.AccountRemoved)

		r := account.NewRegistry(account.WithBus(bus))
		a := testAccount("alice@cloud.example.com")
		r.Register(a)

		r.Remove(a.Name)
		assert.False(t, r.Exists(a.Name))

		select {
		case ev := <-sub:
			assert.Equal(t, events.AccountRemoved, ev.Type)
			assert.Equal(t, a.Name, ev.Data["account_name"])
		case <-time.After(time.Second):
			t.Fatal("expected account-removed event")
		}
	})

	t.Run("removing an unknown account is silent", func(t *testing.T) {
		bus := events.New()
		t.Cleanup(bus.Close)
		sub := bus.Subscribe(events.AccountRemoved)

		r := account.NewRegistry(account.WithBus(bus))
		r.Remove("nobody@nowhere")

		select {
		case ev := <-sub:
			t.Fatalf("unexpected event: %v", ev.Data)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("works without a bus", func(t *testing.T) {
		r := account.NewRegistry()
		a := testAccount("alice@cloud.example.com")
		r.Register(a)

		r.Remove(a.Name)
		assert.False(t, r.Exists(a.Name))
	})
}
