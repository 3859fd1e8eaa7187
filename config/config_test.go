package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  api_port: 8080

database:
  host: localhost
  port: 3306
  dbname: testdb
  username: testuser
  password: testpass

pool:
  min_connections: 2
  max_connections: 20
  idle_timeout: 5m
  max_lifetime: 30m
  acquire_timeout: 10s
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("expected host localhost, got %s", cfg.Database.Host)
	}
	if cfg.Pool.MaxConnections != 20 {
		t.Errorf("expected max connections 20, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %v", cfg.Pool.IdleTimeout)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
database:
  host: localhost
  dbname: testdb
  username: user
  password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Database.Password)
	}
}

func TestLoadEnvSubstitutionLeavesUnsetVarUntouched(t *testing.T) {
	yaml := `
database:
  host: localhost
  dbname: testdb
  username: user
  password: ${DEFINITELY_UNSET_MYSQLWIRE_TEST_VAR}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Password != "${DEFINITELY_UNSET_MYSQLWIRE_TEST_VAR}" {
		t.Errorf("expected unsubstituted placeholder, got %q", cfg.Database.Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing host",
			yaml: `
database:
  dbname: db
  username: user
`,
		},
		{
			name: "missing dbname",
			yaml: `
database:
  host: localhost
  username: user
`,
		},
		{
			name: "missing username",
			yaml: `
database:
  host: localhost
  dbname: db
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
database:
  host: localhost
  dbname: db
  username: user
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected default api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Database.Port != 3306 {
		t.Errorf("expected default database port 3306, got %d", cfg.Database.Port)
	}
	if cfg.Database.Charset != "utf8mb4" {
		t.Errorf("expected default charset utf8mb4, got %s", cfg.Database.Charset)
	}
	if cfg.Pool.MinConnections != 2 {
		t.Errorf("expected default min connections 2, got %d", cfg.Pool.MinConnections)
	}
	if cfg.Pool.MaxConnections != 20 {
		t.Errorf("expected default max connections 20, got %d", cfg.Pool.MaxConnections)
	}
}

func TestValidateMinGtMaxConns(t *testing.T) {
	yaml := `
database:
  host: localhost
  dbname: db
  username: user
pool:
  min_connections: 30
  max_connections: 10
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error when min_connections > max_connections")
	}
}

func TestRedactedMasksPassword(t *testing.T) {
	d := DatabaseConfig{Password: "hunter2"}
	r := d.Redacted()
	if r.Password != "***REDACTED***" {
		t.Errorf("expected masked password, got %q", r.Password)
	}
	if d.Password != "hunter2" {
		t.Error("Redacted must not mutate the receiver")
	}
}

func TestTLSEnabled(t *testing.T) {
	lc := ListenConfig{}
	if lc.TLSEnabled() {
		t.Error("expected TLSEnabled() = false with no cert/key")
	}
	lc.TLSCert, lc.TLSKey = "cert.pem", "key.pem"
	if !lc.TLSEnabled() {
		t.Error("expected TLSEnabled() = true with both cert and key set")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	yaml := `
database:
  host: localhost
  dbname: db
  username: user
pool:
  max_connections: 5
`
	path := writeTemp(t, yaml)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	updated := `
database:
  host: localhost
  dbname: db
  username: user
pool:
  max_connections: 50
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Pool.MaxConnections != 50 {
			t.Errorf("reloaded max_connections = %d, want 50", cfg.Pool.MaxConnections)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fire within 2s of a config write")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
