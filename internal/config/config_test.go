package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/quizdeck/accountsync/internal/usersync"
)

func envMap(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", envMap(nil), nil)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, usersync.DefaultJob, cfg.Sync.Job)
	require.Equal(t, 50*time.Second, cfg.Sync.Budget)
	require.Equal(t, 10, cfg.Sync.MaxBatches)
	require.Equal(t, "email", cfg.Kintone.EmailField)
	require.False(t, cfg.Metrics.Enabled)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accountsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
kintone:
  subdomain: file-sub
  app_id: "12"
  api_token: file-token
supabase:
  url: https://file.supabase.co
  service_role_key: file-key
sync:
  budget: 30s
  groups: ["alpha", "beta"]
metrics:
  enabled: true
  address: ":9191"
`), 0o644))

	cfg, err := Load(path, envMap(map[string]string{
		"KINTONE_SUBDOMAIN":        "env-sub",
		"NEXT_PUBLIC_SUPABASE_URL": "https://public.supabase.co",
		"ACCOUNTSYNC_MAX_BATCHES":  "4",
	}), nil)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, "env-sub", cfg.Kintone.Subdomain)
	require.Equal(t, "12", cfg.Kintone.AppID)
	require.Equal(t, "https://public.supabase.co", cfg.Supabase.URL)
	require.Equal(t, 30*time.Second, cfg.Sync.Budget)
	require.Equal(t, []string{"alpha", "beta"}, cfg.Sync.Groups)
	require.Equal(t, 4, cfg.Sync.MaxBatches)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, ":9191", cfg.Metrics.Address)
	require.NoError(t, cfg.Validate())
}

func TestIntervalJitterIsARatio(t *testing.T) {
	cfg, err := Load("", envMap(nil), nil)
	require.NoError(t, err)
	require.Equal(t, 0.2, cfg.Sync.IntervalJitter)

	cfg, err = Load("", envMap(map[string]string{"ACCOUNTSYNC_SYNC_INTERVAL_JITTER": "0.5"}), nil)
	require.NoError(t, err)
	require.Equal(t, 0.5, cfg.Sync.IntervalJitter)
}

func TestSupabaseURLPrefersServerVariable(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"NEXT_PUBLIC_SUPABASE_URL": "https://public.supabase.co",
		"SUPABASE_URL":             "https://private.supabase.co",
	}), nil)
	require.NoError(t, err)
	require.Equal(t, "https://private.supabase.co", cfg.Supabase.URL)
}

func TestInvalidEnvValuesKeepFallback(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg, err := Load("", envMap(map[string]string{
		"ACCOUNTSYNC_MAX_BATCHES": "many",
		"ACCOUNTSYNC_SYNC_BUDGET": "soon",
	}), zap.New(core))
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Sync.MaxBatches)
	require.Equal(t, 50*time.Second, cfg.Sync.Budget)

	messages := []string{}
	for _, entry := range logs.All() {
		messages = append(messages, entry.Message)
	}
	require.Contains(t, messages, `invalid ACCOUNTSYNC_MAX_BATCHES="many", using fallback 10`)
	require.Contains(t, messages, `invalid ACCOUNTSYNC_SYNC_BUDGET="soon", using fallback 50s`)
}

func TestValidateNamesEveryMissingCredential(t *testing.T) {
	cfg := Defaults()
	cfg.Kintone.Subdomain = "quiz"

	err := cfg.Validate()
	require.True(t, errors.Is(err, usersync.ErrConfiguration))
	var cfgErr *usersync.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, []string{
		"KINTONE_APP_ID",
		"KINTONE_API_TOKEN",
		"SUPABASE_URL",
		"SUPABASE_SERVICE_ROLE_KEY",
	}, cfgErr.Missing)

	err = cfg.ValidateServer()
	require.True(t, errors.As(err, &cfgErr))
	require.Contains(t, cfgErr.Missing, "ACCOUNTSYNC_JWT_SECRET")
}

func TestLoadReportsBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil), nil)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))
	_, err = Load(path, envMap(nil), nil)
	require.Error(t, err)
}

func TestLoadUsesConfigEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "from-env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state:\n  dsn: memory://\n"), 0o644))
	cfg, err := Load("", envMap(map[string]string{"ACCOUNTSYNC_CONFIG": path}), nil)
	require.NoError(t, err)
	require.Equal(t, "memory://", cfg.State.DSN)
}
