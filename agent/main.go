package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/signalpoll/pkg/auth"
	"github.com/haasonsaas/signalpoll/pkg/compression"
	"github.com/haasonsaas/signalpoll/pkg/config"
	"github.com/haasonsaas/signalpoll/pkg/envelope"
	"github.com/haasonsaas/signalpoll/pkg/health"
	"github.com/haasonsaas/signalpoll/pkg/keys"
	"github.com/haasonsaas/signalpoll/pkg/poll"
	"github.com/haasonsaas/signalpoll/pkg/telemetry"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", "/etc/signalpoll/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Server URL (overrides config)")
	once       = flag.Bool("once", false, "Poll once and exit")
	Version    = "dev"
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("signalpoll agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.SetupTracing(ctx, "signalpoll-agent", Version, cfg.Tracing, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	agent, err := buildAgent(cfg, logItem, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize agent")
	}
	log.Info().Str("device_id", agent.creds.DeviceID).Str("server", cfg.Server.URL).Msg("Configuration loaded")

	healthStatus := health.Check(ctx, agent.client, cfg.Server.URL, cfg.Health.TimeDriftMaxS)
	if !healthStatus.Healthy {
		log.Warn().Interface("issues", healthStatus.Issues).Msg("Health check reported issues")
	}

	if *once {
		agent.cycle(ctx)
		return
	}
	if err := agent.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Agent stopped")
	}
}

// buildAgent resolves credentials and derives device keys locally from the
// shared master secret.
func buildAgent(cfg *config.AgentConfig, handle ItemHandler, logger zerolog.Logger) (*Agent, error) {
	creds, err := loadCredentials(cfg.Device)
	if err != nil {
		return nil, err
	}

	secret, err := cfg.Keys.LoadMasterSecret()
	if err != nil {
		return nil, err
	}
	deriver, err := keys.NewDeriver(secret, cfg.Keys.Iterations)
	if err != nil {
		return nil, err
	}
	rotationDays := cfg.Keys.RotationDays
	if rotationDays <= 0 {
		rotationDays = 90
	}
	km := keys.NewManager(deriver, keys.NewMemoryRevocationStore(), keys.Config{
		RotationPeriod: time.Duration(rotationDays) * 24 * time.Hour,
		GracePeriods:   cfg.Keys.GracePeriods,
	}, logger)

	negotiator, err := compression.NewDefaultNegotiator(0, logger)
	if err != nil {
		return nil, err
	}
	return newAgent(cfg, creds, envelope.NewSealer(km), negotiator, handle, logger), nil
}

func loadCredentials(cfg config.DeviceConfig) (*auth.Credentials, error) {
	if cfg.DeviceID != "" && cfg.Token != "" {
		return &auth.Credentials{DeviceID: cfg.DeviceID, Token: cfg.Token}, nil
	}
	return auth.LoadCredentials(cfg.CredentialsPath)
}

func logItem(_ context.Context, item poll.Item) error {
	log.Info().Str("item_id", item.ID).RawJSON("payload", item.Payload).Msg("Item delivered")
	return nil
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("SIGNALPOLL_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("SIGNALPOLL_AGENT_LOG_FORMAT")))

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}

	format := "console"
	if cfg.JSON {
		format = "json"
	}

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
