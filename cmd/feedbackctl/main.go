package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"feedbackmic/internal/config"
	"feedbackmic/internal/logging"
	"feedbackmic/internal/metrics"
)

// rootOptions are persistent flags. Non-empty values override the matching
// FEEDBACK_* environment variables so bootstrap sees them too.
type rootOptions struct {
	apiURL      string
	wsURL       string
	logLevel    string
	metricsAddr string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "feedbackctl",
		Short:        "Headless voice feedback client and gateway tools",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.apply(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", "", "API gateway base URL (FEEDBACK_API_URL)")
	flags.StringVar(&opts.wsURL, "ws-url", "", "Voice websocket URL (FEEDBACK_WS_URL)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (FEEDBACK_LOG_LEVEL)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newPollCmd(),
		newStoreCodeCmd(),
		newDevGatewayCmd(),
	)
	return cmd
}

func (o *rootOptions) apply(ctx context.Context) error {
	overrides := map[string]string{
		"FEEDBACK_API_URL":   o.apiURL,
		"FEEDBACK_WS_URL":    o.wsURL,
		"FEEDBACK_LOG_LEVEL": o.logLevel,
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if o.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, o.metricsAddr); err != nil {
				log.Error().Err(err).Str("addr", o.metricsAddr).Msg("metrics server failed")
			}
		}()
	}
	return nil
}
