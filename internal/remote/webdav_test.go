//nolint:testpackage // tests access internal types
package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketcloud/pocketcloud/internal/account"
)

func TestNewWebDAVTimeout(t *testing.T) {
	acct := account.Account{
		Name:      "alice@cloud.example.com",
		ServerURL: "https://cloud.example.com/remote.php/webdav",
		Username:  "alice",
		Password:  "secret",
	}

	t.Run("timeout option is applied", func(t *testing.T) {
		c, ok := NewWebDAV(acct, WithWebDAVTimeout(45*time.Second)).(*webdavClient)
		require.True(t, ok)
		assert.Equal(t, 45*time.Second, c.timeout)
	})

	t.Run("zero timeout keeps rclone defaults", func(t *testing.T) {
		c, ok := NewWebDAV(acct).(*webdavClient)
		require.True(t, ok)
		assert.Zero(t, c.timeout)
	})
}
