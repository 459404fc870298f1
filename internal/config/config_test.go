package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/determinate-ci/ghaproxy/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg: config.Config{
				ListenAddr:        "127.0.0.1:3000",
				GHACacheURL:       "https://cache.example.com",
				GHAToken:          "token",
				NamespaceSalt:     "salt",
				ChunkSize:         config.DefaultChunkSize,
				UploadConcurrency: 4,
			},
			wantErr: false,
		},
		{
			name: "missing listen addr",
			cfg: config.Config{
				GHACacheURL:       "https://cache.example.com",
				GHAToken:          "token",
				NamespaceSalt:     "salt",
				ChunkSize:         config.DefaultChunkSize,
				UploadConcurrency: 4,
			},
			wantErr: true,
		},
		{
			name: "chunk size below floor",
			cfg: config.Config{
				ListenAddr:        "127.0.0.1:3000",
				GHACacheURL:       "https://cache.example.com",
				GHAToken:          "token",
				NamespaceSalt:     "salt",
				ChunkSize:         1024,
				UploadConcurrency: 4,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	var c config.Config
	c.Defaults()

	if c.ChunkSize != config.DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", c.ChunkSize, config.DefaultChunkSize)
	}

	if c.Priority != config.DefaultPriority {
		t.Errorf("Priority = %d, want %d", c.Priority, config.DefaultPriority)
	}
}

func TestLoadGHACredentials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")

	body := `{
		"ACTIONS_CACHE_URL": "https://cache.example.com/",
		"ACTIONS_RUNTIME_URL": "https://pipelines.example.com/",
		"ACTIONS_RUNTIME_TOKEN": "secret-token",
		"GITHUB_REPOSITORY": "acme/widgets",
		"GITHUB_REF": "refs/heads/main"
	}`

	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	var c config.Config
	if err := config.LoadGHACredentials(&c, path); err != nil {
		t.Fatalf("LoadGHACredentials() error = %v", err)
	}

	if c.GHACacheURL != "https://cache.example.com/" {
		t.Errorf("GHACacheURL = %q", c.GHACacheURL)
	}

	if c.GHAToken != "secret-token" {
		t.Errorf("GHAToken = %q", c.GHAToken)
	}

	if c.GithubRepo != "acme/widgets" {
		t.Errorf("GithubRepo = %q", c.GithubRepo)
	}
}

func TestNixConfFragment(t *testing.T) {
	t.Parallel()

	got := config.NixConfFragment("127.0.0.1:3000", "https://cache.nixos.org", "daemon-key:abc", "cache.nixos.org-1:xyz")

	want := "substituters = http://127.0.0.1:3000/ https://cache.nixos.org\n" +
		"trusted-public-keys = daemon-key:abc cache.nixos.org-1:xyz\n"

	if got != want {
		t.Errorf("NixConfFragment() = %q, want %q", got, want)
	}
}

func TestParsePort(t *testing.T) {
	t.Parallel()

	port, err := config.ParsePort("127.0.0.1:8080")
	if err != nil {
		t.Fatalf("ParsePort() error = %v", err)
	}

	if port != 8080 {
		t.Errorf("ParsePort() = %d, want 8080", port)
	}
}
