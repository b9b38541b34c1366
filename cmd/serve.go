package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pyama86/slaffic-relay/config"
	"github.com/pyama86/slaffic-relay/domain/i18n"
	"github.com/pyama86/slaffic-relay/domain/infra"
	"github.com/pyama86/slaffic-relay/domain/relay"
	"github.com/pyama86/slaffic-relay/handler"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Slack and relay messages",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openDatastore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	ds := infra.NewRetryingDatastore(store, infra.RetryPolicy{
		MaxRetries: cfg.StoreMaxRetries,
		BaseDelay:  cfg.StoreRetryBaseDelay,
	})

	api := slack.New(cfg.SlackBotToken, slack.OptionAppLevelToken(cfg.SlackAppToken))
	reporter := infra.NewSlackReporter(api, cfg.AdminChannelID)

	texts, err := i18n.NewLocalizer(ds, cfg.DefaultLanguage)
	if err != nil {
		return err
	}
	texts.Start()
	defer texts.Stop()

	deps := relay.Deps{
		Tickets:   ds,
		Logs:      ds,
		Messenger: infra.NewSlackMessenger(api),
		Texts:     texts,
		Reporter:  reporter,
	}
	summarizer, err := infra.NewOpenAI(infra.OpenAIConfig{
		APIKey:          cfg.OpenAI.APIKey,
		Model:           cfg.OpenAI.Model,
		AzureEndpoint:   cfg.OpenAI.AzureEndpoint,
		AzureKey:        cfg.OpenAI.AzureKey,
		AzureAPIVersion: cfg.OpenAI.AzureAPIVersion,
	})
	if err != nil {
		return err
	}
	if summarizer != nil {
		deps.Summarizer = summarizer
	}

	router := relay.NewRouter(relay.NewController(relay.Config{
		StaffGroupID:      cfg.StaffChannelID,
		IdleTimeout:       cfg.IdleTimeout,
		EnableLogging:     cfg.EnableLogging,
		DiagnosticTrigger: cfg.DiagnosticTrigger,
		StaffCloseTrigger: cfg.StaffCloseTrigger,
		SummaryTrigger:    cfg.SummaryTrigger,
	}, deps))
	h := handler.NewHandler(api, router, texts, reporter, cfg.StaffChannelID, cfg.Workers)

	srv := &http.Server{
		Addr:              cfg.ListenSocket,
		Handler:           handler.NewHealthRouter(ds),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", slog.String("bind", cfg.ListenSocket))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		defer stop()
		return handler.Supervise(ctx, handler.ReconnectPolicy{
			MaxRetries: cfg.ReconnectMaxRetries,
			BaseDelay:  cfg.ReconnectBaseDelay,
		}, reporter, func(ctx context.Context) error {
			return h.Serve(ctx, socketmode.New(api))
		})
	})
	return g.Wait()
}
