package app

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quizdeck/accountsync/internal/config"
	"github.com/quizdeck/accountsync/internal/metrics"
	"github.com/quizdeck/accountsync/internal/syncstate"
	"github.com/quizdeck/accountsync/internal/usersync"
)

func validConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.Kintone.Subdomain = "quiz"
	cfg.Kintone.AppID = "12"
	cfg.Kintone.APIToken = "token"
	cfg.Supabase.URL = "https://example.supabase.co"
	cfg.Supabase.ServiceRoleKey = "service-key"
	cfg.State.DSN = "file://" + filepath.Join(t.TempDir(), "state.json")
	return cfg
}

func TestBuildWiresStateStore(t *testing.T) {
	runtime, err := Build(validConfig(t), Deps{Metrics: metrics.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	require.NotNil(t, runtime.Engine)
	require.IsType(t, &syncstate.JSONFileStore{}, runtime.State)
	require.Equal(t, usersync.DefaultJob, runtime.Engine.Job())
}

func TestBuildFailsFastOnMissingCredentials(t *testing.T) {
	cfg := validConfig(t)
	cfg.Supabase.ServiceRoleKey = ""

	_, err := Build(cfg, Deps{})
	require.True(t, errors.Is(err, usersync.ErrConfiguration))
}

func TestBuildRejectsUnknownStateScheme(t *testing.T) {
	cfg := validConfig(t)
	cfg.State.DSN = "ftp://nowhere"

	_, err := Build(cfg, Deps{})
	require.Error(t, err)
}
