package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"feedbackmic/internal/config"
	"feedbackmic/internal/domain"
	"feedbackmic/internal/gateway"
)

func gatewayClient() (*gateway.Client, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, config.Config{}, err
	}
	return gateway.NewClient(cfg.API.BaseURL, cfg.API.Timeout), cfg, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Fetch the processing status of a session once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := gatewayClient()
			if err != nil {
				return err
			}
			status, err := client.FeedbackStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), args[0], status)
			return nil
		},
	}
}

func printStatus(out io.Writer, sessionID string, status domain.FeedbackStatus) {
	fmt.Fprintln(out, field("session", sessionID))
	fmt.Fprintln(out, field("status", string(status.Status)))
	if status.ErrorMessage != "" {
		fmt.Fprintln(out, field("fel", errorStyle.Render(status.ErrorMessage)))
	}
	if status.Result != nil {
		fmt.Fprintln(out, renderResult(*status.Result))
	}
}

func newPollCmd() *cobra.Command {
	var (
		interval    time.Duration
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "poll SESSION_ID",
		Short: "Wait for a submitted session to finish processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := gatewayClient()
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = cfg.Polling.Interval
			}
			if maxAttempts <= 0 {
				maxAttempts = cfg.Polling.MaxAttempts
			}

			result, err := gateway.NewPoller(client, interval, maxAttempts).Wait(cmd.Context(), args[0])
			if err != nil {
				if msg := domain.ServerMessage(err); msg != "" {
					fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render(msg))
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderResult(result))
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between polls (default from config)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Polls before giving up (default from config)")
	return cmd
}

func newStoreCodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store-code",
		Short: "Store-code entry without a QR link",
	}
	cmd.AddCommand(newStoreValidateCmd(), newStoreVerifyCmd(), newStoreSessionCmd())
	return cmd
}

func newStoreValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate CODE",
		Short: "Resolve a printed store code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := gatewayClient()
			if err != nil {
				return err
			}
			store, err := client.ValidateStoreCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, field("butik", store.StoreName))
			fmt.Fprintln(out, field("företag", store.BusinessName))
			fmt.Fprintln(out, field("id", store.StoreID))
			return nil
		},
	}
}

func newStoreVerifyCmd() *cobra.Command {
	var (
		amount       float64
		phone        string
		purchaseTime string
	)

	cmd := &cobra.Command{
		Use:   "verify CODE",
		Short: "Register a purchase against a store code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if purchaseTime != "" {
				parsed, err := time.Parse(time.RFC3339, purchaseTime)
				if err != nil {
					return fmt.Errorf("invalid --time: %w", err)
				}
				when = parsed
			}
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}

			client, _, err := gatewayClient()
			if err != nil {
				return err
			}
			receipt, err := client.CreateSimpleVerification(cmd.Context(), domain.SimpleVerification{
				StoreCode:      args[0],
				PurchaseTime:   when,
				PurchaseAmount: amount,
				PhoneNumber:    phone,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, field("verifiering", receipt.VerificationID))
			fmt.Fprintln(out, field("session", receipt.SessionID))
			fmt.Fprintln(out, field("belopp", strconv.FormatFloat(amount, 'f', 2, 64)+" kr"))
			return nil
		},
	}

	cmd.Flags().Float64Var(&amount, "amount", 0, "Purchase amount in SEK")
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number for the payout")
	cmd.Flags().StringVar(&purchaseTime, "time", "", "Purchase time, RFC 3339 (default now)")
	return cmd
}

func newStoreSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session CODE",
		Short: "Open an unverified session from a store code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := gatewayClient()
			if err != nil {
				return err
			}
			session, err := client.CreateSimpleSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, field("session", session.ID))
			fmt.Fprintln(out, field("företag", session.BusinessName))
			fmt.Fprintln(out, field("status", string(session.Status)))
			return nil
		},
	}
}
