package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"bookingbot/pkg/bus"
	"bookingbot/pkg/channel"
	"bookingbot/pkg/config"
	"bookingbot/pkg/ingest"
	"bookingbot/pkg/runner"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 18790

	webhookProvider = "leadconnector"
	maxBodyBytes    = 1 << 20

	reasonInternal       = "internal_error"
	reasonBodyUnreadable = "body_unreadable"
)

var errBusClosed = errors.New("message bus closed")

// Ingestor stores one webhook body for a tenant.
type Ingestor interface {
	Ingest(ctx context.Context, tenantSlug, provider string, body []byte) (ingest.Ack, error)
}

// LoopStatus reports the worker loops' state.
type LoopStatus interface {
	Status() runner.Status
}

// Options holds the optional parts of a Service.
type Options struct {
	Channels []channel.Adapter
	// Loops is nil when the worker loops run in another process.
	Loops  LoopStatus
	Logger *slog.Logger
}

// Service accepts webhooks and chat-channel messages, hands them to the
// ingestor, and serves health and readiness.
type Service struct {
	cfg      config.GatewayConfig
	log      *slog.Logger
	ingestor Ingestor
	bus      *bus.MessageBus
	channels []channel.Adapter
	loops    LoopStatus

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
	eventCounts   map[bus.EventType]int64
	lastEventAt   time.Time
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Channels      map[string]channelState `json:"channels"`
	Loops         *runner.Status          `json:"loops,omitempty"`
	Events        map[bus.EventType]int64 `json:"events"`
	LastEventAt   string                  `json:"last_event_at,omitempty"`
}

// NewService creates a Service.
func NewService(cfg config.GatewayConfig, ingestor Ingestor, mb *bus.MessageBus, opts Options) (*Service, error) {
	if ingestor == nil {
		return nil, errors.New("ingestor is required")
	}
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(opts.Channels))
	for _, adapter := range opts.Channels {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		ingestor:      ingestor,
		bus:           mb,
		channels:      opts.Channels,
		loops:         opts.Loops,
		channelStates: channelStates,
		eventCounts:   make(map[bus.EventType]int64),
	}, nil
}

// Run serves HTTP and runs the channel adapters until ctx is cancelled or
// one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	events, unsubscribe := s.bus.SubscribeEvents(ctx, 0)
	defer unsubscribe()
	go s.watchEvents(events)
	go s.consumeInbound(ctx)

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(ctx, serverErrors)

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.publishInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-errCh:
		return err
	}
}

// Handler returns the HTTP routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/inbound/{tenant}", s.handleWebhook)
	mux.HandleFunc("POST /bot/webhook/inbound/{tenant}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	return mux
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHost
	}

	port := s.cfg.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

// handleWebhook always answers 200 so providers do not redeliver; the ack
// body says whether the event was queued.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.log.Warn("Failed to read webhook body", "tenant_slug", tenant, "error", err)
		writeJSON(w, s.log, http.StatusOK, ingest.Ack{Reason: reasonBodyUnreadable})
		return
	}

	ack, err := s.ingestor.Ingest(r.Context(), tenant, webhookProvider, body)
	if err != nil {
		s.log.Error("Failed to ingest webhook", "tenant_slug", tenant, "error", err)
		ack = ingest.Ack{Reason: reasonInternal}
	}
	writeJSON(w, s.log, http.StatusOK, ack)
}

// publishInbound is the channel.Handler given to adapters.
func (s *Service) publishInbound(ctx context.Context, msg bus.InboundMessage) error {
	if !s.bus.PublishInbound(ctx, msg) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errBusClosed
	}
	return nil
}

// consumeInbound drains chat-channel messages into the ingestor.
func (s *Service) consumeInbound(ctx context.Context) {
	for {
		msg, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		body, err := webhookBody(msg)
		if err != nil {
			s.log.Error("Failed to encode channel message", "channel", msg.Channel, "error", err)
			continue
		}
		ack, err := s.ingestor.Ingest(ctx, msg.Tenant, msg.Channel, body)
		if err != nil {
			s.log.Error("Failed to ingest channel message", "channel", msg.Channel, "tenant_slug", msg.Tenant, "error", err)
			continue
		}
		if !ack.OK {
			s.log.Warn("Channel message rejected", "channel", msg.Channel, "tenant_slug", msg.Tenant, "reason", ack.Reason)
		}
	}
}

// webhookBody renders a channel message in the webhook shape the ingestor decodes.
func webhookBody(msg bus.InboundMessage) ([]byte, error) {
	body := map[string]any{
		"event_type": msg.EventType,
		"channel":    msg.Channel,
		"from":       msg.ChatID,
		"text":       msg.Content,
	}
	if msg.EventType == "" {
		delete(body, "event_type")
	}
	if msg.MessageID != "" {
		body["messageId"] = msg.ChatID + ":" + msg.MessageID
	}
	if msg.DisplayName != "" {
		body["display_name"] = msg.DisplayName
	}
	if msg.SenderID != "" {
		body["contact_metadata"] = map[string]string{msg.Channel + "_user_id": msg.SenderID}
	}
	return json.Marshal(body)
}

func (s *Service) watchEvents(events <-chan bus.Event) {
	for evt := range events {
		s.mu.Lock()
		s.eventCounts[evt.Type]++
		s.lastEventAt = evt.At
		s.mu.Unlock()
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	writeJSON(w, s.log, statusCode, s.currentStatus(status))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}
	events := make(map[bus.EventType]int64, len(s.eventCounts))
	for typ, n := range s.eventCounts {
		events[typ] = n
	}

	resp := statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Channels:      channels,
		Events:        events,
	}
	if !s.lastEventAt.IsZero() {
		resp.LastEventAt = s.lastEventAt.Format(time.RFC3339)
	}
	if s.loops != nil {
		loops := s.loops.Status()
		resp.Loops = &loops
	}
	return resp
}

// isReady requires the service to be started, every worker loop to be
// running, and at least one channel to be up when channels are configured.
func (s *Service) isReady() bool {
	s.mu.RLock()
	startedAt := s.startedAt
	anyRunning := len(s.channelStates) == 0
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}
	s.mu.RUnlock()

	if startedAt.IsZero() || !anyRunning {
		return false
	}

	if s.loops != nil {
		loops := s.loops.Status()
		if !loops.Inbound.Running || !loops.Outbound.Running {
			return false
		}
	}
	return true
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("Failed to write response", "error", err)
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
