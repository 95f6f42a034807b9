package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"diabetesai/auth"
	"diabetesai/chat"
	"diabetesai/config"
	qhttp "diabetesai/http"
	"diabetesai/monitoring"
	"diabetesai/pipeline"
	"diabetesai/ratelimit"

	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const systemMetricsInterval = 15 * time.Second

// NewServeCmd creates the 'serve' command that runs the HTTP front-ends.
func NewServeCmd(configPath *string) *cobra.Command {
	var withBot bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API, web form and live prediction feed",
		Long: `Start the HTTP server. It serves the REST API under /api, the web
assessment form at /, Prometheus metrics at /metrics and the live
prediction feed at /api/ws/predictions.

The model file is reloaded when it changes if model.watch is set.`,
		Example: `  diabetesai serve
  diabetesai serve --config /etc/diabetesai/config.yaml --with-bot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, withBot)
		},
	}
	cmd.Flags().BoolVar(&withBot, "with-bot", false, "also run the Slack bot when slack tokens are configured")
	return cmd
}

func runServe(parent context.Context, configPath string, withBot bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	hub := monitoring.NewWebSocketHub(bootLog)
	app, err := NewApp(cfg, AppOptions{Publisher: hub, Watch: cfg.Model.Watch, Logger: bootLog})
	if err != nil {
		return err
	}
	defer app.Close()
	log := app.Logger

	go hub.Run(ctx)
	go app.Metrics.Collector().CollectSystemMetrics(ctx, systemMetricsInterval)

	sweeper, err := ratelimit.NewSweeper(app.Limiter, cfg.RateLimit.SweepSchedule, log)
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	alerts := newAlertManager(cfg.Alerts, log)
	go alerts.Watch(ctx, cfg.Alerts.CheckInterval(), func(ctx context.Context) (string, string) {
		h := app.Pipeline.Health(ctx)
		return h.Status, healthDetail(h)
	})

	server, err := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, qhttp.Deps{
		Pipeline: app.Pipeline,
		Resolver: newResolver(cfg.Auth),
		Model:    app.Model,
		Hub:      hub,
		Metrics:  app.Metrics,
		Alerts:   alerts,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	errChan := make(chan error, 2)
	go func() {
		errChan <- server.Start()
	}()

	if withBot {
		if !cfg.Slack.Configured() {
			log.Warn("--with-bot set but slack tokens are not configured; bot not started")
		} else {
			bot := chat.NewBot(newSlackClient(cfg.Slack.BotToken, cfg.Slack.AppToken), app.Pipeline, cfg.Slack.Admins, log)
			go func() {
				if err := bot.Run(ctx); err != nil {
					errChan <- err
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			log.Error("server stopped", zap.Error(err))
			server.Stop()
			return err
		}
	}
	if err := server.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func newAlertManager(cfg config.AlertsConfig, log *zap.Logger) *monitoring.AlertManager {
	var channels []monitoring.AlertChannel
	if cfg.WebhookURL != "" {
		channels = append(channels, monitoring.NewWebhookChannel(cfg.WebhookURL, monitoring.AlertLevel(cfg.MinLevel)))
	}
	return monitoring.NewAlertManager(log, cfg.Cooldown(), channels...)
}

func healthDetail(h pipeline.Health) string {
	var problems []string
	if !h.ModelLoaded {
		problems = append(problems, "model not loaded")
	}
	if !h.DatabaseConnected {
		problems = append(problems, "audit database unreachable")
	}
	if !h.AuditHealthy && h.AuditFailures > 0 {
		problems = append(problems, fmt.Sprintf("%d audit writes failed (last: %s)", h.AuditFailures, h.LastAuditError))
	}
	if len(problems) == 0 {
		return "all checks passing"
	}
	return strings.Join(problems, "; ")
}

func newResolver(cfg config.AuthConfig) *auth.Resolver {
	return auth.NewResolver(auth.Config{
		JWTSecret:  cfg.JWTSecret,
		RequireJWT: cfg.RequireJWT,
		TokenTTL:   time.Duration(cfg.TokenTTLHours) * time.Hour,
	})
}

func newSlackClient(botToken, appToken string) *slack.Client {
	return slack.New(botToken, slack.OptionAppLevelToken(appToken))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
