package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookingbot/pkg/bus"
	"bookingbot/pkg/channel"
	"bookingbot/pkg/config"
	"bookingbot/pkg/ingest"
)

type scriptedAdapter struct {
	name    string
	inbound []bus.InboundMessage
	runErr  error

	mu      sync.Mutex
	handled int
	done    chan struct{}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, handler channel.Handler) error {
	for _, inbound := range a.inbound {
		if err := handler(ctx, inbound); err != nil {
			return err
		}
		a.mu.Lock()
		a.handled++
		a.mu.Unlock()
	}
	close(a.done)

	if a.runErr != nil {
		return a.runErr
	}
	<-ctx.Done()
	return nil
}

func TestGatewayServiceRunE2EChannelMessagesReachIngestor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing := &fakeIngestor{ack: ingest.Ack{OK: true, Queued: true}}
	adapter := &scriptedAdapter{
		name: "telegram",
		inbound: []bus.InboundMessage{
			{Channel: "telegram", Tenant: "acme", EventType: "new_lead", ChatID: "100", SenderID: "7", DisplayName: "Sam"},
			{Channel: "telegram", Tenant: "acme", ChatID: "100", SenderID: "7", MessageID: "2", Content: "monday works"},
		},
		done: make(chan struct{}),
	}

	mb := bus.NewMessageBus()
	defer mb.Close()
	port := freeTCPPort(t)
	svc, err := NewService(config.GatewayConfig{Host: "127.0.0.1", Port: port}, ing, mb, Options{
		Channels: []channel.Adapter{adapter},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	select {
	case <-adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for adapter scripted messages")
	}

	require.Eventually(t, func() bool { return len(ing.snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)
	calls := ing.snapshot()
	require.Equal(t, "acme", calls[0].tenant)
	require.Equal(t, "telegram", calls[0].provider)
	require.Equal(t, "new_lead", calls[0].body["event_type"])
	require.Equal(t, "monday works", calls[1].body["text"])
	require.Equal(t, "100:2", calls[1].body["messageId"])

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, base+"/readyz", 2*time.Second))

	resp, err := http.Post(base+"/webhook/inbound/acme", "application/json", strings.NewReader(`{"phone":"+15550100","text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
	require.Len(t, ing.snapshot(), 3)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestGatewayServiceRunE2EChannelFailureStopsService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := &scriptedAdapter{
		name:   "telegram",
		runErr: errors.New("long polling stopped"),
		done:   make(chan struct{}),
	}

	mb := bus.NewMessageBus()
	defer mb.Close()
	svc, err := NewService(config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)}, &fakeIngestor{}, mb, Options{
		Channels: []channel.Adapter{adapter},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	select {
	case err := <-runAsync(ctx, svc):
		require.Error(t, err)
		require.Contains(t, err.Error(), "run telegram channel")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service to fail")
	}

	svc.mu.RLock()
	state := svc.channelStates["telegram"]
	svc.mu.RUnlock()
	require.False(t, state.Running)
	require.Equal(t, "long polling stopped", state.Error)
}

func runAsync(ctx context.Context, svc *Service) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()
	return errCh
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
