package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/PostOpCall/internal/alerting"
	"github.com/BTreeMap/PostOpCall/internal/api"
	"github.com/BTreeMap/PostOpCall/internal/call"
	"github.com/BTreeMap/PostOpCall/internal/clinical"
	"github.com/BTreeMap/PostOpCall/internal/flow"
	"github.com/BTreeMap/PostOpCall/internal/genai"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/scheduler"
	"github.com/BTreeMap/PostOpCall/internal/transcript"
	"github.com/BTreeMap/PostOpCall/internal/twiliovoice"
	"github.com/BTreeMap/PostOpCall/internal/util"
	"github.com/BTreeMap/PostOpCall/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PostOpCall state data
	DefaultStateDir = "/var/lib/postopcall"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "postopcall.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultSessionMaxAge is how long a call may go without progress before it is reaped
	DefaultSessionMaxAge = 30 * time.Minute
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 20 * time.Second
)

// SMS transports for care-team alerts.
const (
	SMSTransportTwilio   = "twilio"
	SMSTransportWhatsApp = "whatsapp"
)

// logLevel is shared by the default handler so the level can change after config loads.
var logLevel = new(slog.LevelVar)

func main() {
	// Initialize structured logger
	initializeLogger(os.Stdout)

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	config, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	logLevel.Set(parseLogLevel(config.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PostOpCall", "state_dir", config.StateDir, "api_addr", config.APIAddr, "public_base_url", config.PublicBaseURL)
	if err := run(ctx, config); err != nil {
		slog.Error("PostOpCall failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PostOpCall exited successfully")
}

// Config holds the resolved process configuration.
type Config struct {
	StateDir      string
	DatabaseDSN   string
	WhatsAppDBDSN string
	APIAddr       string
	PublicBaseURL string
	LogLevel      string
	PhoneRegion   string

	OpenAIKey   string
	OpenAIModel string
	GenAIDebug  bool

	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioCallsPerSecond float64
	MediaStreams         bool
	SpeechLanguage       string

	SendGridAPIKey     string
	AlertEmailFrom     string
	AlertEmailTo       []string
	AlertSMSTo         []string
	AlertSMSTransport  string
	AlertWebhookURL    string
	AlertWebhookSecret string
	AlertKindPriority  []models.AlertKind
	RedisURL           string

	MaxTurns         int
	MaxUnclearStreak int
	UnclearThreshold float64
	GeneratorTimeout time.Duration
	ChannelTimeout   time.Duration
	DetectorTimeout  time.Duration
	SessionMaxAge    time.Duration
	CallHour         int

	QROutput    string
	NumericCode bool
}

// initializeLogger installs a text handler whose level follows logLevel.
func initializeLogger(w io.Writer) {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelDebug
	}
	return lvl
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:      os.Getenv("POSTOPCALL_STATE_DIR"),
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:       os.Getenv("API_ADDR"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		PhoneRegion:   os.Getenv("PHONE_REGION"),

		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		GenAIDebug:  util.ParseBoolEnv("GENAI_DEBUG", false),

		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioCallsPerSecond: util.ParseFloatEnv("TWILIO_CALLS_PER_SECOND", 1),
		MediaStreams:         util.ParseBoolEnv("MEDIA_STREAMS", false),
		SpeechLanguage:       os.Getenv("SPEECH_LANGUAGE"),

		SendGridAPIKey:     os.Getenv("SENDGRID_API_KEY"),
		AlertEmailFrom:     os.Getenv("ALERT_EMAIL_FROM"),
		AlertEmailTo:       util.SplitList(os.Getenv("ALERT_EMAIL_TO")),
		AlertSMSTo:         util.SplitList(os.Getenv("ALERT_SMS_TO")),
		AlertSMSTransport:  strings.ToLower(strings.TrimSpace(os.Getenv("ALERT_SMS_TRANSPORT"))),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		AlertKindPriority:  parseKindPriority(os.Getenv("ALERT_KIND_PRIORITY")),
		RedisURL:           os.Getenv("REDIS_URL"),

		MaxTurns:         util.ParseIntEnv("MAX_TURNS", flow.DefaultMaxTurns),
		MaxUnclearStreak: util.ParseIntEnv("MAX_UNCLEAR_STREAK", flow.DefaultMaxUnclearStreak),
		UnclearThreshold: util.ParseFloatEnv("UNCLEAR_CONFIDENCE_THRESHOLD", transcript.DefaultUnclearThreshold),
		GeneratorTimeout: util.ParseDurationEnv("GENERATOR_TIMEOUT", flow.DefaultTimeout),
		ChannelTimeout:   util.ParseDurationEnv("CHANNEL_TIMEOUT", alerting.DefaultChannelTimeout),
		DetectorTimeout:  util.ParseDurationEnv("DETECTOR_TIMEOUT", call.DefaultDetectorTimeout),
		SessionMaxAge:    util.ParseDurationEnv("SESSION_MAX_AGE", DefaultSessionMaxAge),
		CallHour:         util.ParseIntEnv("CALL_HOUR", scheduler.DefaultCallHour),
	}

	// DATABASE_URL is accepted when DATABASE_DSN is not set
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.AlertSMSTransport == "" {
		config.AlertSMSTransport = SMSTransportTwilio
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No POSTOPCALL_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	applyStateDirDefaults(&config, "")

	slog.Debug("environment variables loaded",
		"POSTOPCALL_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_CONFIGURED", config.TwilioAccountSID != "" && config.TwilioAuthToken != "",
		"SENDGRID_API_KEY_SET", config.SendGridAPIKey != "",
		"ALERT_SMS_TRANSPORT", config.AlertSMSTransport,
		"REDIS_URL_SET", config.RedisURL != "")

	return config
}

// applyStateDirDefaults points database DSNs that still use the previous state directory's
// defaults (or are empty) at config.StateDir.
func applyStateDirDefaults(config *Config, previousStateDir string) {
	if config.DatabaseDSN == "" || (previousStateDir != "" && config.DatabaseDSN == defaultAppDSN(previousStateDir)) {
		config.DatabaseDSN = defaultAppDSN(config.StateDir)
	}
	if config.WhatsAppDBDSN == "" || (previousStateDir != "" && config.WhatsAppDBDSN == defaultWhatsAppDSN(previousStateDir)) {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseKindPriority reads a comma-separated list of alert kinds. Unknown kinds are dropped.
func parseKindPriority(val string) []models.AlertKind {
	var out []models.AlertKind
	for _, s := range util.SplitList(val) {
		k := models.AlertKind(strings.ToLower(s))
		switch k {
		case models.AlertKindHighPain, models.AlertKindConcern, models.AlertKindMobility, models.AlertKindWound, models.AlertKindMedication:
			out = append(out, k)
		default:
			slog.Warn("ignoring unknown alert kind in ALERT_KIND_PRIORITY", "kind", s)
		}
	}
	return out
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("postopcall", flag.ContinueOnError)
	stateDir := fs.String("state-dir", config.StateDir, "state directory for PostOpCall data (overrides $POSTOPCALL_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseDSN, "application database DSN, SQLite path or postgres:// URL (overrides $DATABASE_DSN)")
	waDSN := fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	publicURL := fs.String("public-base-url", config.PublicBaseURL, "public base URL Twilio reaches this server at (overrides $PUBLIC_BASE_URL)")
	openaiKey := fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	logLvl := fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	mediaStreams := fs.Bool("media-streams", config.MediaStreams, "capture speech over Twilio Media Streams (overrides $MEDIA_STREAMS)")
	qrOutput := fs.String("qr-output", "", "path to write the WhatsApp login QR code")
	numeric := fs.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	previousStateDir := config.StateDir
	config.StateDir = *stateDir
	config.DatabaseDSN = *dbDSN
	config.WhatsAppDBDSN = *waDSN
	config.APIAddr = *apiAddr
	config.PublicBaseURL = strings.TrimRight(*publicURL, "/")
	config.OpenAIKey = *openaiKey
	config.LogLevel = *logLvl
	config.MediaStreams = *mediaStreams
	config.QROutput = *qrOutput
	config.NumericCode = *numeric

	// Update database DSNs if they were defaulted from a state directory the flag replaced
	if config.StateDir != previousStateDir {
		applyStateDirDefaults(&config, previousStateDir)
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", previousStateDir, "new_state_dir", config.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseDSN != "",
		"apiAddr", config.APIAddr,
		"publicBaseURL", config.PublicBaseURL,
		"mediaStreams", config.MediaStreams,
		"openaiKeySet", config.OpenAIKey != "")
	return config, nil
}

// twilioConfigured reports whether live Twilio credentials are present.
func (c Config) twilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	var opts []genai.Option
	if config.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(config.OpenAIModel))
	}
	if config.GenAIDebug {
		opts = append(opts, genai.WithDebugMode(true), genai.WithStateDir(config.StateDir))
	}
	return opts
}

// buildEngineOptions constructs turn engine options
func buildEngineOptions(config Config) []flow.Option {
	return []flow.Option{
		flow.WithMaxTurns(config.MaxTurns),
		flow.WithMaxUnclearStreak(config.MaxUnclearStreak),
		flow.WithTimeout(config.GeneratorTimeout),
	}
}

// buildDetectorOptions constructs clinical detector options
func buildDetectorOptions(config Config) []clinical.Option {
	var opts []clinical.Option
	if len(config.AlertKindPriority) > 0 {
		opts = append(opts, clinical.WithKindPriority(config.AlertKindPriority))
	}
	return opts
}

// buildTwilioOptions constructs Twilio voice client options
func buildTwilioOptions(config Config) []twiliovoice.Option {
	opts := []twiliovoice.Option{
		twiliovoice.WithAccountSID(config.TwilioAccountSID),
		twiliovoice.WithAuthToken(config.TwilioAuthToken),
		twiliovoice.WithFromNumber(config.TwilioFromNumber),
		twiliovoice.WithBaseURL(config.PublicBaseURL),
		twiliovoice.WithMediaStreams(config.MediaStreams),
	}
	if config.TwilioCallsPerSecond > 0 {
		opts = append(opts, twiliovoice.WithCallsPerSecond(config.TwilioCallsPerSecond))
	}
	if config.SpeechLanguage != "" {
		opts = append(opts, twiliovoice.WithLanguage(config.SpeechLanguage))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var opts []whatsapp.Option
	if config.WhatsAppDBDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	}
	if config.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	opts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithPublicBaseURL(config.PublicBaseURL),
	}
	if config.PhoneRegion != "" {
		opts = append(opts, api.WithPhoneRegion(config.PhoneRegion))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, api.WithSignatureValidator(twiliovoice.NewSignatureValidator(config.TwilioAuthToken)))
	}
	return opts
}
