package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"feedbackmic/internal/bootstrap"
	"feedbackmic/internal/domain"
	"feedbackmic/internal/gateway"
	"feedbackmic/internal/recorder"
	"feedbackmic/internal/usecase"
)

type runOptions struct {
	token         string
	storeCode     string
	transactionID string
	amount        float64
	phone         string
	duration      time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Record one spoken feedback from the terminal microphone",
		Long: "Runs a full journey: entry by QR token or store code, purchase verification,\n" +
			"recording until Enter (or --duration), upload and result polling.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJourney(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.token, "token", "t", "", "QR token from the scanned link")
	flags.StringVar(&opts.storeCode, "store-code", "", "Printed store code, instead of a QR token")
	flags.StringVar(&opts.transactionID, "transaction-id", "", "Receipt or transaction id for purchase verification")
	flags.Float64Var(&opts.amount, "amount", 0, "Purchase amount in SEK")
	flags.StringVar(&opts.phone, "phone", "", "Phone number for store-code payouts")
	flags.DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long instead of waiting for Enter")
	cmd.MarkFlagsMutuallyExclusive("token", "store-code")
	return cmd
}

func runJourney(ctx context.Context, in io.Reader, out io.Writer, opts runOptions) error {
	if opts.token == "" && opts.storeCode == "" {
		return errors.New("either --token or --store-code is required")
	}

	sink := newTerminalSink(out)
	services, err := bootstrap.Build(ctx, sink, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer services.Close()
	flow := services.Flow

	entry := usecase.Entry{QRToken: opts.token}
	if opts.storeCode != "" {
		session, err := storeCodeSession(ctx, services.Gateway, opts)
		if err != nil {
			return err
		}
		entry = usecase.Entry{Session: &session}
	}
	if err := flow.Initialize(ctx, entry); err != nil {
		return err
	}

	if flow.Status().Step == domain.FlowStepVerification {
		if opts.transactionID == "" || opts.amount <= 0 {
			return errors.New("purchase verification required: pass --transaction-id and --amount")
		}
		err := flow.VerifyTransaction(ctx, domain.TransactionVerification{
			TransactionID: opts.transactionID,
			Amount:        opts.amount,
			Timestamp:     time.Now(),
		})
		if err != nil {
			return err
		}
	}

	if name := flow.Session().BusinessName; name != "" {
		sink.println(titleStyle.Render(name))
	}
	if err := flow.BeginRecording(ctx); err != nil {
		return err
	}
	if opts.duration > 0 {
		sink.println(field("spelar in", fmt.Sprintf("i %s", opts.duration)))
	} else {
		sink.println(field("spelar in", "tryck Enter för att avsluta"))
	}

	waitForStop(ctx, in, opts.duration, sink.Done())
	if err := flow.StopRecording(); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
		return err
	}

	select {
	case <-sink.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if result, failure := sink.Outcome(); result == nil {
		return fmt.Errorf("feedback failed: %s", failure)
	}
	return nil
}

// storeCodeSession opens a session from a printed store code. With an
// amount the purchase is verified at creation.
func storeCodeSession(ctx context.Context, client *gateway.Client, opts runOptions) (domain.Session, error) {
	store, err := client.ValidateStoreCode(ctx, opts.storeCode)
	if err != nil {
		return domain.Session{}, err
	}
	if opts.amount <= 0 {
		return client.CreateSimpleSession(ctx, opts.storeCode)
	}

	receipt, err := client.CreateSimpleVerification(ctx, domain.SimpleVerification{
		StoreCode:      opts.storeCode,
		PurchaseTime:   time.Now(),
		PurchaseAmount: opts.amount,
		PhoneNumber:    opts.phone,
	})
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		ID:                  receipt.SessionID,
		BusinessName:        store.BusinessName,
		StoreCode:           opts.storeCode,
		TransactionAmount:   opts.amount,
		TransactionVerified: true,
		Status:              domain.SessionStatusTransactionVerified,
	}, nil
}

// waitForStop returns on Enter, after duration, when the journey ends on its
// own, or when ctx is cancelled.
func waitForStop(ctx context.Context, in io.Reader, duration time.Duration, done <-chan struct{}) {
	stop := make(chan struct{})
	if duration > 0 {
		timer := time.AfterFunc(duration, func() { close(stop) })
		defer timer.Stop()
	} else {
		go func() {
			_, _ = bufio.NewReader(in).ReadString('\n')
			close(stop)
		}()
	}

	select {
	case <-stop:
	case <-done:
	case <-ctx.Done():
	}
}
