// Package chat serves predictions over Slack slash commands.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"diabetesai/auth"
	"diabetesai/features"
	"diabetesai/pipeline"
	"diabetesai/ratelimit"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

const (
	CommandPredict = "/predict"
	CommandExplain = "/explain"
	CommandHelp    = "/diabetes-help"
	CommandStatus  = "/diabetes-status"

	// ExplainTop is how many contributions /explain shows.
	ExplainTop = 3
)

// Predictor is the part of the pipeline the bot serves from.
type Predictor interface {
	PredictOne(ctx context.Context, req pipeline.Request) (*pipeline.Prediction, error)
	Stats(ctx context.Context, identity string) (*pipeline.Stats, error)
	Health(ctx context.Context) pipeline.Health
}

type Bot struct {
	api       *slack.Client
	predictor Predictor
	admins    map[string]bool
	logger    *zap.Logger
	started   time.Time
}

func NewBot(api *slack.Client, predictor Predictor, admins []string, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]bool, len(admins))
	for _, id := range admins {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return &Bot{api: api, predictor: predictor, admins: set, logger: logger, started: time.Now()}
}

// Run connects over Socket Mode and handles slash commands until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	client := socketmode.New(b.api)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-client.Events:
				if !ok {
					return
				}
				switch evt.Type {
				case socketmode.EventTypeConnected:
					b.logger.Info("slack bot connected via socket mode")
				case socketmode.EventTypeSlashCommand:
					client.Ack(*evt.Request)
					cmd, ok := evt.Data.(slack.SlashCommand)
					if !ok {
						continue
					}
					b.logger.Info("slash command received",
						zap.String("command", cmd.Command),
						zap.String("user", cmd.UserID),
						zap.String("channel", cmd.ChannelID))
					go b.HandleCommand(ctx, cmd)
				}
			}
		}
	}()

	if err := client.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	return nil
}

// HandleCommand answers one slash command with an ephemeral message.
func (b *Bot) HandleCommand(ctx context.Context, cmd slack.SlashCommand) {
	text, ok := b.Respond(ctx, cmd)
	if !ok {
		return
	}
	if _, err := b.api.PostEphemeralContext(ctx, cmd.ChannelID, cmd.UserID, slack.MsgOptionText(text, false)); err != nil {
		b.logger.Error("post ephemeral", zap.String("user", cmd.UserID), zap.Error(err))
	}
}

// Respond renders the reply to cmd. ok is false for commands the bot does not
// own.
func (b *Bot) Respond(ctx context.Context, cmd slack.SlashCommand) (string, bool) {
	switch cmd.Command {
	case CommandPredict:
		return b.predict(ctx, cmd, false), true
	case CommandExplain:
		return b.predict(ctx, cmd, true), true
	case CommandHelp:
		return helpText(), true
	case CommandStatus:
		if !b.admins[cmd.UserID] {
			return "This command is restricted to administrators.", true
		}
		return b.status(ctx, cmd), true
	}
	return "", false
}

func (b *Bot) predict(ctx context.Context, cmd slack.SlashCommand, explainOnly bool) string {
	values, err := ParseValues(cmd.Text)
	if err != nil {
		return fmt.Sprintf("Invalid input: %v\nType `%s` for details.", err, CommandHelp)
	}

	pred, err := b.predictor.PredictOne(ctx, pipeline.Request{
		Identity: auth.ChatIdentity(cmd.UserID),
		Source:   pipeline.SourceChat,
		Values:   values,
	})
	if err != nil {
		return failureText(err)
	}

	if explainOnly {
		if pred.Degraded || len(pred.Attribution) == 0 {
			return fmt.Sprintf("Predicted: *%s*. No explanation is available for this prediction.", pred.Label)
		}
		lines := []string{fmt.Sprintf("*Top features impacting this prediction (%s):*", pred.Label)}
		for _, c := range pred.Attribution.Top(ExplainTop) {
			lines = append(lines, fmt.Sprintf("- %s: %.3f", c.Feature, c.Score))
		}
		return strings.Join(lines, "\n")
	}
	return fmt.Sprintf("Predicted diabetes class: *%s* (confidence: %s)", pred.Label, pred.Confidence)
}

func (b *Bot) status(ctx context.Context, cmd slack.SlashCommand) string {
	health := b.predictor.Health(ctx)
	lines := []string{
		fmt.Sprintf("Bot is running. Status: *%s*", health.Status),
		fmt.Sprintf("Model loaded: %t", health.ModelLoaded),
		fmt.Sprintf("Database connected: %t", health.DatabaseConnected),
		fmt.Sprintf("Audit failures: %d", health.AuditFailures),
		fmt.Sprintf("Uptime: %s", time.Since(b.started).Round(time.Second)),
	}
	if stats, err := b.predictor.Stats(ctx, auth.ChatIdentity(cmd.UserID)); err == nil {
		lines = append(lines, fmt.Sprintf("Total predictions: %d", stats.TotalPredictions))
	} else {
		b.logger.Warn("status stats", zap.Error(err))
	}
	return strings.Join(lines, "\n")
}

func failureText(err error) string {
	var (
		validation *pipeline.ValidationError
		exceeded   *ratelimit.ExceededError
	)
	switch {
	case errors.As(err, &validation):
		return "Some values are out of range:\n- " + strings.Join(features.Messages(validation.Errors, 0), "\n- ")
	case errors.As(err, &exceeded):
		return fmt.Sprintf("Rate limit reached (%d requests per %s). Try again in %s.",
			exceeded.Limit, exceeded.Window, exceeded.RetryAfter.Round(time.Second))
	default:
		return "The prediction could not be completed. Please try again later."
	}
}

func helpText() string {
	names := features.Names()
	lines := []string{
		"*Diabetes Prediction Bot Help*",
		fmt.Sprintf("`%s %s`", CommandPredict, strings.Join(names, " ")),
		fmt.Sprintf("Example: `%s 0 50 4.7 46 4.9 4.2 0.9 2.4 1.4 0.5 24.0`", CommandPredict),
		fmt.Sprintf("`%s` takes the same input and shows the top %d contributing features.", CommandExplain, ExplainTop),
		"Values may be separated by spaces or commas.",
		"",
		"*Feature order:*",
	}
	for _, spec := range features.Specs() {
		lines = append(lines, fmt.Sprintf("- %s %s", spec.Name, spec.Range))
	}
	return strings.Join(lines, "\n")
}
