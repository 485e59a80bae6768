package testing

import (
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"gopkg.in/yaml.v3"

	"github.com/pocketcloud/pocketcloud/internal/config"
)

// ValidConfig returns a fully populated, valid config.Config struct.
// The returned config passes all validation checks and can be used as a
// starting point for tests that need to modify specific fields.
func ValidConfig(t *testing.T) config.Config {
	t.Helper()

	tmpDir := t.TempDir()

	return config.Config{
		Server: config.ServerConfig{
			Listen: "[::]:8424",
		},
		Accounts: map[string]config.AccountConfig{
			"alice@cloud.example.com": {
				URL:           "https://cloud.example.com/remote.php/webdav",
				Username:      "alice",
				Password:      gofakeit.Password(true, true, true, false, false, 16),
				ServerVersion: "10.0.2",
				HTTPTimeout:   config.DefaultHTTPTimeout,
			},
		},
		Upload: config.UploadConfig{
			DatabasePath: tmpDir + "/pocketcloud.db",
			SyncRoot:     tmpDir + "/files",
			InstantRoot:  "/InstantUpload",
		},
	}
}

// ValidConfigMinimal returns a minimal valid config with only required fields.
func ValidConfigMinimal(t *testing.T) config.Config {
	t.Helper()

	tmpDir := t.TempDir()

	return config.Config{
		Server: config.ServerConfig{
			Listen: "[::]:8424",
		},
		Accounts: map[string]config.AccountConfig{
			"bob@cloud.example.com": {
				URL:      "https://cloud.example.com/remote.php/webdav",
				Username: "bob",
				Password: gofakeit.Password(true, true, true, false, false, 12),
			},
		},
		Upload: config.UploadConfig{
			DatabasePath: tmpDir + "/pocketcloud.db",
			SyncRoot:     tmpDir + "/files",
		},
	}
}

// ConfigToYAML converts a config.Config struct to a YAML string.
// This is useful for tests that need to load config via the YAML parser.
// Note: config.Config uses mapstructure tags which yaml.Marshal handles correctly.
func ConfigToYAML(t *testing.T, cfg config.Config) string {
	t.Helper()

	//nolint:musttag // config.Config uses mapstructure tags, yaml.Marshal uses field names
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config to YAML: %v", err)
	}

	return string(data)
}
