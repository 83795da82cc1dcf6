package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookingbot/pkg/channel"
	"bookingbot/pkg/config"
	"bookingbot/pkg/store"
)

const tenantsFixture = `[
  {
    "id": "t-acme",
    "slug": "acme",
    "name": "Acme Dental",
    "enabled": true,
    "settings": {"timezone": "UTC"}
  }
]`

type namedAdapter string

func (n namedAdapter) Name() string { return string(n) }

func (namedAdapter) Run(context.Context, channel.Handler) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	tenantsPath := filepath.Join(dir, "tenants.json")
	require.NoError(t, os.WriteFile(tenantsPath, []byte(tenantsFixture), 0o600))

	cfg := config.Default()
	cfg.Store.DataDir = filepath.Join(dir, "data")
	cfg.Store.Fsync = "never"
	cfg.Tenants.File = tenantsPath
	cfg.Stubs = config.StubsConfig{CalendarSlots: true, Booking: true, Messaging: true}
	return cfg
}

func TestReadBodyFromFileAndStdin(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text":"file"}`), 0o600))

	body, err := readBody(strings.NewReader("ignored"), []string{path})
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"file"}`, string(body))

	body, err = readBody(strings.NewReader(`{"text":"stdin"}`), nil)
	require.NoError(t, err)
	require.Equal(t, `{"text":"stdin"}`, string(body))

	body, err = readBody(strings.NewReader("dash"), []string{"-"})
	require.NoError(t, err)
	require.Equal(t, "dash", string(body))

	_, err = readBody(nil, []string{filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)
}

func TestNewTenantDirectoryRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	_, err := newTenantDirectory(config.TenantsConfig{Source: "ldap"})
	require.ErrorContains(t, err, `unsupported tenants source "ldap"`)

	_, err = newTenantDirectory(config.TenantsConfig{Source: "file", File: filepath.Join(t.TempDir(), "none.json")})
	require.ErrorContains(t, err, "load tenants")
}

func TestNewCredentialStore(t *testing.T) {
	t.Parallel()

	st, err := newCredentialStore(config.CredentialsConfig{})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = newCredentialStore(config.CredentialsConfig{Store: "vault"})
	require.ErrorContains(t, err, `unsupported credentials store "vault"`)
}

func TestEnabledChannelNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", enabledChannelNames(nil))
	require.Equal(t, "telegram,whatsapp", enabledChannelNames([]channel.Adapter{namedAdapter("telegram"), namedAdapter("whatsapp")}))
}

func TestAppRunsNewLeadThroughToDelivery(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ack, err := a.ingestor().Ingest(ctx, "acme", "leadconnector",
		[]byte(`{"event_type":"new_lead","phone":"+15550100","display_name":"Sam Lee"}`))
	require.NoError(t, err)
	require.True(t, ack.OK)
	require.True(t, ack.Queued)

	loops, err := a.runner(ctx)
	require.NoError(t, err)

	inbound, err := loops.InboundOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, inbound.Claimed)
	require.Equal(t, 1, inbound.Processed)

	outbound, err := loops.OutboundOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, outbound.Selected)
	require.Equal(t, 1, outbound.DryRun)

	var pending []store.Message
	require.NoError(t, a.store.View(func(tx *store.Tx) error {
		var err error
		pending, err = tx.DuePendingOutbound(time.Now().UTC().Add(24*time.Hour), 10)
		return err
	}))
	require.Empty(t, pending)
}

func TestAppRejectsUnknownTenant(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ack, err := a.ingestor().Ingest(context.Background(), "nobody", "leadconnector", []byte(`{"text":"hi"}`))
	require.NoError(t, err)
	require.False(t, ack.OK)
	require.False(t, ack.Queued)
}
