package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/config"
	"github.com/quizdeck/accountsync/internal/usersync"
)

func testEnv(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func credentialEnv() map[string]string {
	return map[string]string{
		"KINTONE_SUBDOMAIN":         "example",
		"KINTONE_APP_ID":            "12",
		"KINTONE_API_TOKEN":         "token",
		"SUPABASE_URL":              "http://127.0.0.1:1",
		"SUPABASE_SERVICE_ROLE_KEY": "service-role",
		"ACCOUNTSYNC_JWT_SECRET":    "jwt-secret",
	}
}

func TestRunRejectsMissingCredentials(t *testing.T) {
	err := run(context.Background(), nil, testEnv(map[string]string{"KINTONE_SUBDOMAIN": "example"}))
	if !errors.Is(err, usersync.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var cfgErr *usersync.ConfigurationError
	if !errors.As(err, &cfgErr) || !strings.Contains(cfgErr.Error(), "ACCOUNTSYNC_JWT_SECRET") {
		t.Fatalf("expected missing jwt secret to be named, got %v", err)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	if err := run(context.Background(), []string{"--nope"}, testEnv(credentialEnv())); err == nil {
		t.Fatalf("expected flag parse error")
	}
}

func TestServeAnswersHealthAndShutsDown(t *testing.T) {
	cfg, err := config.Load("", testEnv(credentialEnv()), nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"
	cfg.Inbox.Dir = t.TempDir()
	cfg.Server.ShutdownTimeout = 2 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zap.NewNop(), ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var body string
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			body = string(data)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, `"ok"`) {
		t.Fatalf("unexpected health body: %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
