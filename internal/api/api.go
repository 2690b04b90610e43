// Package api exposes the HTTP surface: patient enrollment, call placement and inspection,
// alert and notification queries, and the telephony webhooks that drive live calls.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/PostOpCall/internal/call"
	"github.com/BTreeMap/PostOpCall/internal/metrics"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
	"github.com/BTreeMap/PostOpCall/internal/twiliovoice"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Enroller stores a patient and plans their calls. *scheduler.Planner satisfies it.
type Enroller interface {
	Enroll(ctx context.Context, p models.Patient) ([]models.CallScheduleEntry, error)
}

// Opts configures a Server.
type Opts struct {
	Addr string
	// PublicBaseURL is the externally visible base of webhook URLs, used to check signatures.
	PublicBaseURL string
	Signatures    *twiliovoice.SignatureValidator
	Metrics       *metrics.Metrics
	// Stream serves the Media Streams websocket when set.
	Stream      http.Handler
	PhoneRegion string
}

// Option is a functional option for configuring a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the base URL Twilio uses to reach this server.
func WithPublicBaseURL(u string) Option {
	return func(o *Opts) { o.PublicBaseURL = u }
}

// WithSignatureValidator enables X-Twilio-Signature checks on voice webhooks.
func WithSignatureValidator(v *twiliovoice.SignatureValidator) Option {
	return func(o *Opts) { o.Signatures = v }
}

// WithMetrics sets the metrics sink and enables /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithStreamHandler mounts the Media Streams websocket handler.
func WithStreamHandler(h http.Handler) Option {
	return func(o *Opts) { o.Stream = h }
}

// WithPhoneRegion sets the region for numbers given without a country prefix.
func WithPhoneRegion(region string) Option {
	return func(o *Opts) { o.PhoneRegion = region }
}

// Server is the HTTP API server.
type Server struct {
	orch     *call.Orchestrator
	st       store.Store
	enroller Enroller
	renderer *twiliovoice.Renderer
	validate *validator.Validate
	opts     Opts
	http     *http.Server
}

// NewServer creates a Server.
func NewServer(orch *call.Orchestrator, st store.Store, enroller Enroller, renderer *twiliovoice.Renderer, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if renderer == nil {
		renderer = twiliovoice.NewRenderer(cfg.PublicBaseURL, false, "")
	}
	return &Server{
		orch:     orch,
		st:       st,
		enroller: enroller,
		renderer: renderer,
		validate: validator.New(),
		opts:     cfg,
	}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /patients", s.createPatientHandler)
	mux.HandleFunc("GET /patients/{id}", s.getPatientHandler)
	mux.HandleFunc("GET /patients/{id}/schedule", s.scheduleHandler)
	mux.HandleFunc("POST /calls", s.placeCallHandler)
	mux.HandleFunc("GET /calls", s.activeCallsHandler)
	mux.HandleFunc("GET /calls/{id}", s.getCallHandler)
	mux.HandleFunc("GET /alerts", s.alertsHandler)
	mux.HandleFunc("GET /notifications", s.notificationsHandler)

	mux.HandleFunc("POST "+twiliovoice.PathAnswer, s.twilioWebhook("answer", s.voiceAnswerHandler))
	mux.HandleFunc("POST "+twiliovoice.PathGather, s.twilioWebhook("gather", s.voiceGatherHandler))
	mux.HandleFunc("POST "+twiliovoice.PathPartial, s.twilioWebhook("partial", s.voicePartialHandler))
	mux.HandleFunc("POST "+twiliovoice.PathStatus, s.twilioWebhook("status", s.voiceStatusHandler))
	if s.opts.Stream != nil {
		mux.Handle("GET "+twiliovoice.PathStream, s.opts.Stream)
	}

	mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, models.Success("healthy"))
	})
	return mux
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Start: API listening", "addr", s.opts.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// twilioWebhook parses the form, verifies the Twilio signature when configured and counts
// the request.
func (s *Server) twilioWebhook(route string, next func(http.ResponseWriter, *http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			slog.Warn("Server.twilioWebhook: invalid form", "route", route, "error", err)
			s.opts.Metrics.RecordWebhook(route, "invalid")
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
			return
		}
		if s.opts.Signatures != nil {
			url := strings.TrimRight(s.opts.PublicBaseURL, "/") + r.URL.RequestURI()
			if !s.opts.Signatures.Valid(r, url) {
				slog.Warn("Server.twilioWebhook: bad signature", "route", route, "url", url)
				s.opts.Metrics.RecordWebhook(route, "forbidden")
				writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
				return
			}
		}
		s.opts.Metrics.RecordWebhook(route, next(w, r))
	}
}
