package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"feedbackmic/internal/devgateway"
	"feedbackmic/internal/domain"
)

func newDevGatewayCmd() *cobra.Command {
	var (
		addr    string
		outcome string
		cfg     = devgateway.DefaultConfig()
	)

	cmd := &cobra.Command{
		Use:   "dev-gateway",
		Short: "Serve a local stand-in for the feedback API and voice socket",
		Long: "Seeds QR tokens \"" + devgateway.DemoToken + "\" and \"" + devgateway.DemoVerifiedToken +
			"\" and store code " + devgateway.DemoStoreCode + ".",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Outcome = domain.SessionStatus(outcome)
			server := devgateway.New(cfg)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			log.Info().Msg("dev gateway shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", ":3001", "Listen address")
	flags.StringVar(&outcome, "outcome", string(domain.SessionStatusCompleted), "Terminal status: completed, failed or fraud_flagged")
	flags.IntVar(&cfg.ProcessingPolls, "processing-polls", cfg.ProcessingPolls, "Status polls answered with processing before the outcome")
	flags.DurationVar(&cfg.ScriptDelay, "script-delay", cfg.ScriptDelay, "Delay between scripted voice events")
	flags.IntVar(&cfg.PartialEvery, "partial-every", cfg.PartialEvery, "Audio frames per scripted partial transcript")
	return cmd
}
