package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"multivault/cmd/internal/vaultapp"
	"multivault/config"
	"multivault/native/vault"
	"multivault/observability/logging"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitViolation = 2
)

var errViolations = errors.New("ledger failed audit")

type auditReport struct {
	Vaults         int      `json:"vaults"`
	Holders        int      `json:"holders"`
	Digest         string   `json:"digest"`
	Violations     []string `json:"violations,omitempty"`
	PendingFees    int      `json:"pendingFeeCredits"`
	PendingPayouts int      `json:"pendingPayoutCredits"`
	MinShare       string   `json:"minShare"`
	Curves         int      `json:"curves"`
}

type creditLine struct {
	Kind        string `json:"kind"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

type options struct {
	configPath string
	dataDir    string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errViolations):
		return exitViolation
	default:
		return exitFailure
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "vault-audit",
		Short:         "Inspect a stopped vaultd ledger",
		Long:          "Opens the vaultd ledger read-only, verifies share conservation and prints a JSON report.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "./vaultd.toml", "path to vaultd configuration")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "override the configured data directory")

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify invariants and print the audit report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "digest",
		Short: "Print the ledger state digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(app *vaultapp.App) error {
				digest, err := app.Ledger.StateDigest()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%x\n", digest)
				return nil
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "credits",
		Short: "List pending fee and payout credits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(app *vaultapp.App) error {
				feeCredits, payouts, err := app.Ledger.PendingCredits()
				if err != nil {
					return err
				}
				lines := make([]creditLine, 0, len(feeCredits)+len(payouts))
				for _, c := range feeCredits {
					lines = append(lines, creditLine{Kind: "fee", Beneficiary: c.TermID.Hex(), Amount: c.Amount.Dec()})
				}
				for _, c := range payouts {
					lines = append(lines, creditLine{Kind: "payout", Beneficiary: c.Receiver.Hex(), Amount: c.Amount.Dec()})
				}
				return printJSON(cmd.OutOrStdout(), lines)
			})
		},
	})
	return root
}

func withApp(opts *options, fn func(*vaultapp.App) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	logger, closer, err := logging.SetupWithOptions("vault-audit", cfg.Environment, logging.Options{Level: "error"})
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer closer.Close()

	app, err := vaultapp.Open(cfg, logger, vaultapp.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open ledger (is vaultd still running?): %w", err)
	}
	defer app.Close(context.Background())
	return fn(app)
}

func runCheck(cmd *cobra.Command, opts *options) error {
	return withApp(opts, func(app *vaultapp.App) error {
		checked, auditErr := app.Ledger.CheckInvariants()
		if auditErr != nil && !errors.Is(auditErr, vault.ErrInvariantViolation) {
			return fmt.Errorf("audit failed: %w", auditErr)
		}
		feeCredits, payouts, err := app.Ledger.PendingCredits()
		if err != nil {
			return fmt.Errorf("failed to read pending credits: %w", err)
		}
		report := auditReport{
			Vaults:         checked.Vaults,
			Holders:        checked.Holders,
			Digest:         checked.Digest,
			Violations:     checked.Violations,
			PendingFees:    len(feeCredits),
			PendingPayouts: len(payouts),
			MinShare:       app.Ledger.MinShare().Dec(),
			Curves:         app.Curves.Count(),
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if auditErr != nil {
			return fmt.Errorf("%w: %v", errViolations, auditErr)
		}
		return nil
	})
}

func printJSON(w io.Writer, v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}
