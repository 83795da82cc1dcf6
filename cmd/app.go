package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookingbot/pkg/bus"
	"bookingbot/pkg/calendar"
	"bookingbot/pkg/channel"
	"bookingbot/pkg/channel/telegram"
	"bookingbot/pkg/classifier"
	"bookingbot/pkg/config"
	"bookingbot/pkg/conversation"
	"bookingbot/pkg/credentials"
	"bookingbot/pkg/handoff"
	"bookingbot/pkg/ingest"
	"bookingbot/pkg/jobqueue"
	"bookingbot/pkg/leadconnector"
	"bookingbot/pkg/ledger"
	"bookingbot/pkg/logger"
	"bookingbot/pkg/messaging"
	"bookingbot/pkg/provider"
	"bookingbot/pkg/runner"
	"bookingbot/pkg/sender"
	"bookingbot/pkg/slots"
	"bookingbot/pkg/store"
	"bookingbot/pkg/tenants"
)

const telegramChannelName = "telegram"

// app holds the dependencies shared by every command. Build it once per
// process and Close it on the way out.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *store.Store
	bus       *bus.MessageBus
	queue     *jobqueue.Queue
	tenants   tenants.Directory
	tokens    *credentials.Manager
	calendars calendar.Registry
	messaging messaging.Registry
	adapters  []channel.Adapter

	closers []func() error
}

// loadApp reads config, installs the process logger and opens the store.
func loadApp(component string) (*app, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	log := slog.Default().With("component", component)

	a, err := newApp(cfg, slog.Default())
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, bus: bus.NewMessageBus()}

	st, err := store.Open(store.Options{
		DataDir:       cfg.Store.DataDir,
		Fsync:         store.ParseFsyncMode(cfg.Store.Fsync),
		FsyncInterval: time.Duration(cfg.Store.FsyncIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	a.queue = jobqueue.New(st, jobqueue.Options{MaxAttempts: cfg.Worker.MaxAttempts, Logger: log})

	a.tenants, err = newTenantDirectory(cfg.Tenants)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	credStore, err := newCredentialStore(cfg.Credentials)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, credStore.Close)
	a.tokens = credentials.NewManager(credStore, credentials.OAuthConfig{
		ClientID:     cfg.LeadConnector.ClientID,
		ClientSecret: cfg.LeadConnector.ClientSecret,
		TokenURL:     cfg.LeadConnector.TokenURL,
	}, cfg.LeadConnector.AccessToken, log)

	client := leadconnector.New(leadconnector.Config{
		BaseURL:    cfg.LeadConnector.BaseURL,
		APIVersion: cfg.LeadConnector.APIVersion,
		Timeout:    time.Duration(cfg.LeadConnector.RequestTimeoutSeconds) * time.Second,
	}, a.tokens, log)

	a.calendars = calendar.Registry{
		leadconnector.Name: calendar.WithStubs(leadconnector.NewCalendar(client), calendar.StubOptions{
			Slots:   cfg.Stubs.CalendarSlots,
			Booking: cfg.Stubs.Booking,
		}),
	}

	var outbound messaging.Provider = leadconnector.NewMessaging(client)
	if cfg.Stubs.Messaging {
		outbound = messaging.Stub{}
	}
	a.messaging = messaging.Registry{leadconnector.Name: outbound}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		a.adapters = append(a.adapters, adapter)
		a.messaging[telegramChannelName] = adapter
	}

	return a, nil
}

func newTenantDirectory(cfg config.TenantsConfig) (tenants.Directory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", "file":
		dir, err := tenants.LoadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("load tenants: %w", err)
		}
		return dir, nil
	case "supabase":
		dir, err := tenants.NewSupabase(tenants.SupabaseConfig{
			URL:      cfg.Supabase.URL,
			APIKey:   cfg.Supabase.APIKey,
			Table:    cfg.Supabase.Table,
			CacheTTL: time.Duration(cfg.Supabase.CacheTTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect tenant directory: %w", err)
		}
		return dir, nil
	default:
		return nil, fmt.Errorf("unsupported tenants source %q", cfg.Source)
	}
}

func newCredentialStore(cfg config.CredentialsConfig) (credentials.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "", "memory":
		return credentials.NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return credentials.NewRedisStore(client, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported credentials store %q", cfg.Store)
	}
}

// engine builds the conversation engine with its classifier, ledger and handoff.
func (a *app) engine() (*conversation.Engine, error) {
	router, err := provider.New(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize providers: %w", err)
	}

	var recorder ledger.Recorder = ledger.Noop{}
	if url := strings.TrimSpace(a.cfg.Ledger.AMQPURL); url != "" {
		amqp, err := ledger.Dial(url, a.cfg.Ledger.Exchange, a.cfg.Ledger.Producer, a.log)
		if err != nil {
			a.log.Warn("Booking ledger unavailable, events will not be published", "error", err)
		} else {
			recorder = amqp
			a.closers = append(a.closers, amqp.Close)
		}
	}

	return conversation.New(conversation.Deps{
		Tenants:      a.tenants,
		Planner:      slots.NewPlanner(a.calendars, a.log),
		Calendars:    a.calendars,
		Classifier:   classifier.New(router, a.cfg.Classifier.MaxTokens, a.log),
		Ledger:       recorder,
		Handoff:      handoff.NewSlack(a.cfg.Handoff.SlackWebhookURL, nil, a.log),
		DefaultModel: a.cfg.Classifier.DefaultModel,
		HistoryLimit: a.cfg.Classifier.HistoryLimit,
		Logger:       a.log,
	}), nil
}

func (a *app) sender() *sender.Sender {
	return sender.New(a.store, a.tenants, a.messaging, sender.Options{
		MaxAttempts: a.cfg.Sender.MaxAttempts,
		Backoff:     a.cfg.Sender.Backoff(),
		Events:      a.bus,
		Logger:      a.log,
	})
}

func (a *app) ingestor() *ingest.Ingestor {
	return ingest.New(a.store, a.queue, a.tenants, a.bus, a.log)
}

// runner wires the worker loops. Queued inbound events wake the inbound loop early.
func (a *app) runner(ctx context.Context) (*runner.Runner, error) {
	engine, err := a.engine()
	if err != nil {
		return nil, err
	}
	if expr := a.cfg.Worker.StaleSweepCron; expr != "" {
		if err := jobqueue.ValidateCron(expr); err != nil {
			return nil, err
		}
	}

	wakeups, _ := a.bus.SubscribeEvents(ctx, 16)
	pollMin, pollMax := a.cfg.Worker.PollRange()
	sendMin, sendMax := a.cfg.Sender.PollRange()

	return runner.New(a.store, a.queue, engine, a.sender(), runner.Options{
		WorkerID:      a.cfg.Worker.ID,
		BatchSize:     a.cfg.Worker.BatchSize,
		PollMin:       pollMin,
		PollMax:       pollMax,
		RetryDelay:    a.cfg.Worker.RetryDelay(),
		SendBatchSize: a.cfg.Sender.BatchSize,
		SendPollMin:   sendMin,
		SendPollMax:   sendMax,
		SweepCron:     a.cfg.Worker.StaleSweepCron,
		StaleAfter:    a.cfg.Worker.StaleAfter(),
		Events:        a.bus,
		Wakeups:       wakeups,
		Logger:        a.log,
	}), nil
}

// Close releases everything newApp and engine opened, most recent first.
func (a *app) Close() error {
	a.bus.Close()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
