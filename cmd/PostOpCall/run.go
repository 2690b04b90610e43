package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/PostOpCall/internal/alerting"
	"github.com/BTreeMap/PostOpCall/internal/api"
	"github.com/BTreeMap/PostOpCall/internal/call"
	"github.com/BTreeMap/PostOpCall/internal/clinical"
	"github.com/BTreeMap/PostOpCall/internal/flow"
	"github.com/BTreeMap/PostOpCall/internal/genai"
	"github.com/BTreeMap/PostOpCall/internal/lockfile"
	"github.com/BTreeMap/PostOpCall/internal/mediastream"
	"github.com/BTreeMap/PostOpCall/internal/messaging"
	"github.com/BTreeMap/PostOpCall/internal/metrics"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/recovery"
	"github.com/BTreeMap/PostOpCall/internal/scheduler"
	"github.com/BTreeMap/PostOpCall/internal/store"
	"github.com/BTreeMap/PostOpCall/internal/twiliovoice"
	"github.com/BTreeMap/PostOpCall/internal/whatsapp"
)

// telephony is what the process needs from the voice provider. Both the live Twilio
// client and the dry-run mock satisfy it.
type telephony interface {
	Dial(ctx context.Context, req models.DialRequest) (string, error)
	PushInstruction(ctx context.Context, callSID, sessionID string, instr models.DialogueInstruction) error
	SendSMS(ctx context.Context, to string, body string) error
}

// stores groups the repositories carved out of one database handle.
type stores struct {
	main   store.Store
	jobs   store.JobRepo
	outbox store.OutboxRepo
	dedup  store.DedupRepo
}

func openStores(dsn string) (stores, error) {
	st, err := store.Open(dsn)
	if err != nil {
		return stores{}, err
	}
	s := stores{main: st}
	var ok bool
	if s.jobs, ok = st.(store.JobRepo); !ok {
		st.Close()
		return stores{}, fmt.Errorf("store %T does not support durable jobs", st)
	}
	s.outbox, _ = st.(store.OutboxRepo)
	s.dedup, _ = st.(store.DedupRepo)
	return s, nil
}

// newMetrics registers the process collectors next to the application metrics.
func newMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg)
}

// newGenerator returns the OpenAI client when a key is configured. Without one the turn
// engine runs scripted replies and media streams are unavailable.
func newGenerator(config *Config) (flow.Generator, mediastream.Transcriber) {
	client, err := genai.NewClient(buildGenAIOptions(*config)...)
	if err != nil {
		if errors.Is(err, genai.ErrMissingAPIKey) {
			slog.Warn("OPENAI_API_KEY not set, using scripted dialogue")
		} else {
			slog.Error("GenAI client initialization failed, using scripted dialogue", "error", err)
		}
		if config.MediaStreams {
			slog.Warn("media streams need transcription, falling back to Twilio speech recognition")
			config.MediaStreams = false
		}
		return flow.ScriptedGenerator{}, nil
	}
	return client, client
}

// newTelephony returns the Twilio client when credentials are configured, otherwise a
// dry-run mock that records calls without placing them.
func newTelephony(config Config) (telephony, *twiliovoice.Renderer, error) {
	if !config.twilioConfigured() {
		slog.Warn("Twilio credentials not set, running in dry-run mode; calls will not be placed")
		return twiliovoice.NewMockClient(), twiliovoice.NewRenderer(config.PublicBaseURL, config.MediaStreams, config.SpeechLanguage), nil
	}
	if config.PublicBaseURL == "" {
		return nil, nil, errors.New("PUBLIC_BASE_URL is required when Twilio is configured")
	}
	client, err := twiliovoice.NewClient(buildTwilioOptions(config)...)
	if err != nil {
		return nil, nil, fmt.Errorf("twilio client: %w", err)
	}
	return client, client.Renderer(), nil
}

// closers collects shutdown hooks run in reverse order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// buildSenders wires each configured care-team channel. The in-app channel is always on.
func buildSenders(ctx context.Context, config Config, st store.Store, tel telephony, cleanup *closers) ([]alerting.Sender, error) {
	senders := []alerting.Sender{alerting.NewInAppSender(st)}

	if len(config.AlertEmailTo) > 0 {
		var mailer messaging.Mailer = messaging.LogMailer{}
		if config.SendGridAPIKey != "" {
			sg, err := messaging.NewSendGridMailer(config.SendGridAPIKey, config.AlertEmailFrom, "PostOpCall")
			if err != nil {
				return nil, fmt.Errorf("sendgrid mailer: %w", err)
			}
			mailer = sg
		} else {
			slog.Warn("SENDGRID_API_KEY not set, email alerts will only be logged")
		}
		senders = append(senders, alerting.NewEmailSender(mailer, config.AlertEmailTo))
	}

	if len(config.AlertSMSTo) > 0 {
		var svc messaging.Service
		switch config.AlertSMSTransport {
		case SMSTransportWhatsApp:
			wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
			if err != nil {
				return nil, fmt.Errorf("whatsapp client: %w", err)
			}
			cleanup.add(wa.Disconnect)
			svc = messaging.NewWhatsAppService(wa, config.PhoneRegion)
		case SMSTransportTwilio:
			svc = messaging.NewTwilioSMSService(tel, config.PhoneRegion)
		default:
			return nil, fmt.Errorf("unknown ALERT_SMS_TRANSPORT %q", config.AlertSMSTransport)
		}
		senders = append(senders, alerting.NewSMSSender(svc, config.AlertSMSTo))
	}

	if config.AlertWebhookURL != "" {
		poster := messaging.NewWebhookPoster(config.AlertWebhookURL, config.AlertWebhookSecret, nil)
		senders = append(senders, alerting.NewWebhookSender(poster))
	}

	names := make([]string, 0, len(senders))
	for _, s := range senders {
		names = append(names, string(s.Channel()))
	}
	slog.Info("alert channels configured", "channels", names)
	return senders, nil
}

// buildLedger prefers Redis so duplicate suppression is shared between replicas.
func buildLedger(ctx context.Context, config Config, dedup store.DedupRepo, cleanup *closers) (alerting.Ledger, error) {
	if config.RedisURL != "" {
		l, err := alerting.NewRedisLedgerFromURL(ctx, config.RedisURL, alerting.DefaultRedisKeyTTL)
		if err != nil {
			return nil, fmt.Errorf("redis ledger: %w", err)
		}
		cleanup.add(func() {
			if err := l.Close(); err != nil {
				slog.Warn("failed to close redis ledger", "error", err)
			}
		})
		return l, nil
	}
	if dedup != nil {
		return alerting.NewStoreLedger(dedup), nil
	}
	return alerting.NewInMemoryLedger(), nil
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	var cleanup closers
	defer cleanup.run()

	lock, err := lockfile.AcquireLock(config.StateDir, lockfile.WithAddr(config.APIAddr))
	if err != nil {
		return err
	}
	cleanup.add(func() { lock.Release() })

	st, err := openStores(config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	cleanup.add(func() {
		if err := st.main.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	})

	m := newMetrics()

	gen, stt := newGenerator(&config)
	engine := flow.NewEngine(gen, append(buildEngineOptions(config), flow.WithMetrics(m))...)
	detector := clinical.NewDetector(buildDetectorOptions(config)...)

	tel, renderer, err := newTelephony(config)
	if err != nil {
		return err
	}

	senders, err := buildSenders(ctx, config, st.main, tel, &cleanup)
	if err != nil {
		return err
	}
	ledger, err := buildLedger(ctx, config, st.dedup, &cleanup)
	if err != nil {
		return err
	}
	routerOpts := []alerting.Option{
		alerting.WithChannelTimeout(config.ChannelTimeout),
		alerting.WithLedger(ledger),
		alerting.WithMetrics(m),
	}
	if st.outbox != nil {
		routerOpts = append(routerOpts, alerting.WithOutbox(st.outbox))
	}
	router := alerting.NewRouter(st.main, senders, routerOpts...)

	orch := call.NewOrchestrator(call.Deps{
		Detector:         detector,
		Engine:           engine,
		Router:           router,
		Store:            st.main,
		Metrics:          m,
		UnclearThreshold: config.UnclearThreshold,
		DetectorTimeout:  config.DetectorTimeout,
	}, call.WithDialer(tel))

	apiOpts := append(buildAPIOptions(config), api.WithMetrics(m))
	var stream *mediastream.Handler
	if config.MediaStreams && stt != nil {
		stream = mediastream.NewHandler(stt, orch, tel, mediastream.WithMetrics(m))
		apiOpts = append(apiOpts, api.WithStreamHandler(stream))
	}

	planner := scheduler.NewPlanner(st.main, st.jobs, scheduler.WithCallHour(config.CallHour))
	runner := store.NewJobRunner(st.jobs)
	scheduler.RegisterJobHandlers(runner, st.main, orch)

	rm := recovery.NewRecoveryManager(st.main, nil)
	rm.RegisterRecoverable(recovery.OpenCallRecovery{})
	rm.RegisterRecoverable(recovery.JobRecovery(runner))
	var outboxSender *store.OutboxSender
	if st.outbox != nil {
		outboxSender = store.NewOutboxSender(st.outbox, router.RetryDelivery)
		rm.RegisterRecoverable(recovery.OutboxRecovery(outboxSender))
	}
	if err := rm.RecoverAll(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	cron := scheduler.NewScheduler()
	if err := cron.AddReaper(scheduler.DefaultReaperSpec, orch, config.SessionMaxAge); err != nil {
		cron.Stop()
		return fmt.Errorf("schedule reaper: %w", err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		runner.Run(workerCtx)
	}()
	if outboxSender != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			outboxSender.Run(workerCtx)
		}()
	}

	srv := api.NewServer(orch, st.main, planner, renderer, apiOpts...)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
	cron.Stop()
	if stream != nil {
		if err := stream.Wait(shutdownCtx); err != nil {
			slog.Warn("media stream handlers still running at shutdown", "error", err)
		}
	}
	// Sessions finishing now still enqueue jobs and outbox rows, so workers stop last.
	if err := orch.Wait(shutdownCtx); err != nil {
		slog.Warn("call sessions still running at shutdown", "error", err)
	}
	stopWorkers()
	workers.Wait()

	return runErr
}
