package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"diabetesai/chat"

	"github.com/spf13/cobra"
)

// NewBotCmd creates the 'bot' command that runs only the Slack bot.
func NewBotCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Slack bot (socket mode)",
		Long: `Connect to Slack over Socket Mode and answer the /predict, /explain,
/diabetes-help and /diabetes-status slash commands.

Requires slack.bot_token and slack.app_token (or DIABETESAI_SLACK_BOT_TOKEN
and DIABETESAI_SLACK_APP_TOKEN).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Slack.Configured() {
				return errors.New("slack.bot_token and slack.app_token are required")
			}

			app, err := NewApp(cfg, AppOptions{Watch: cfg.Model.Watch})
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bot := chat.NewBot(newSlackClient(cfg.Slack.BotToken, cfg.Slack.AppToken), app.Pipeline, cfg.Slack.Admins, app.Logger)
			return bot.Run(ctx)
		},
	}
}
