package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/app"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/revenue"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/service"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func withActor(ctx context.Context, actor string) context.Context {
	return service.WithActor(ctx, actor)
}

func settleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settle <order-id>",
		Short: "Reimburse the assigned provider for one fiat-delivered order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Settlement.SettleProviderOrder(ctx, orderID)
				if res != nil {
					printSettlement(cmd.OutOrStdout(), res)
				}
				return err
			})
		},
	}
}

func batchCmd(opts *rootOptions) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Settle every pending or failed order, grouped by provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			var providerID *uuid.UUID
			if provider != "" {
				id, err := uuid.Parse(provider)
				if err != nil {
					return fmt.Errorf("invalid provider id: %w", err)
				}
				providerID = &id
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Settlement.SettlePendingOrders(ctx, providerID)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "total=%d succeeded=%d failed=%d\n", res.Total, res.Succeeded, res.Failed)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "  %s provider=%s: %s\n", e.OrderID, e.ProviderID, e.Error)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "only settle orders assigned to this provider")
	return cmd
}

func sweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass over the due retry queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Retries.ProcessRetryQueue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "due=%d succeeded=%d failed=%d skipped=%d escalated=%d stuck=%d\n",
					res.Due, res.Succeeded, res.Failed, res.Skipped, res.Escalated, res.Stuck)
				return nil
			})
		},
	}
}

func stuckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List retry entries that exhausted their attempts and need manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				entries, err := a.Retries.ListStuckRetries(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ORDER\tRETRIES\tUPDATED\tLAST ERROR")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.OrderID, e.RetryCount, e.UpdatedAt.Format(time.RFC3339), e.LastError)
				}
				return w.Flush()
			})
		},
	}
}

func unreconciledCmd(opts *rootOptions) *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "unreconciled",
		Short: "List orders whose transfer was sent but never recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				orders, err := a.Settlement.ListUnreconciled(ctx, minAge)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ORDER	PROVIDER	AMOUNT	ATTEMPTED")
				for _, o := range orders {
					provider, attempted := "-", "-"
					if o.AssignedProviderID != nil {
						provider = o.AssignedProviderID.String()
					}
					if o.SettlementAttemptedAt != nil {
						attempted = o.SettlementAttemptedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\n", o.ID, provider, o.Amount, o.Currency, attempted)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 5*time.Minute, "skip attempts younger than this")
	return cmd
}

func reconcileCmd(opts *rootOptions) *cobra.Command {
	var txID, network string
	var nothingSent bool
	cmd := &cobra.Command{
		Use:   "reconcile <order-id>",
		Short: "Record the gateway outcome of an in-flight settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			if (txID != "") == nothingSent {
				return fmt.Errorf("pass exactly one of --tx or --nothing-sent")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Settlement.ReconcileSettlement(ctx, service.ReconcileRequest{
					OrderID:       orderID,
					TransactionID: txID,
					Network:       network,
				})
				if err != nil {
					return err
				}
				if !res.Success {
					fmt.Fprintf(cmd.OutOrStdout(), "%s reopened for settlement\n", res.OrderID)
					return nil
				}
				printSettlement(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "transaction id the gateway confirmed for this order")
	cmd.Flags().StringVar(&network, "network", "", "network of the confirmed transaction")
	cmd.Flags().BoolVar(&nothingSent, "nothing-sent", false, "the gateway confirmed no transfer; settle the order again later")
	return cmd
}

func depositCmd(opts *rootOptions) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "deposit <currency> <amount>",
		Short: "Record a treasury top-up of a fiat reserve",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				tx, err := a.Liquidity.LogDeposit(ctx, args[0], amount, notes, "")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s deposited by %s, available %s -> %s\n",
					tx.Amount, tx.Currency, tx.ExecutedBy, tx.BalanceBefore, tx.BalanceAfter)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-form note stored with the audit row")
	return cmd
}

func reservesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reserves",
		Short: "Show balances and utilization for every reserve",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				stats, err := a.Liquidity.GetUtilizationStats(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CURRENCY\tTOTAL\tAVAILABLE\tRESERVED\tUTILIZATION\tLOW")
				for _, s := range stats {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", s.Currency, s.TotalAmount, s.AvailableAmount,
						s.ReservedAmount, s.Utilization, s.BelowThreshold)
				}
				return w.Flush()
			})
		},
	}
}

func checkLiquidityCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-liquidity",
		Short: "Raise alerts for reserves below their minimum threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				created, err := a.Liquidity.CheckLowLiquidity(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(created) == 0 {
					fmt.Fprintln(out, "no new alerts")
					return nil
				}
				for _, alert := range created {
					fmt.Fprintf(out, "[%s] %s: %s (%s)\n", alert.Severity, alert.Currency, alert.Message, alert.RecommendedAction)
				}
				return nil
			})
		},
	}
}

func quoteCmd() *cobra.Command {
	var platformFee, bankMarkup, pspCommission string
	cmd := &cobra.Command{
		Use:   "quote <amount>",
		Short: "Break down the fees charged on an order amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil || !amount.IsPositive() {
				return fmt.Errorf("amount must be a positive decimal")
			}
			var p revenue.Params
			for _, f := range []struct {
				name  string
				raw   string
				value *decimal.Decimal
			}{
				{"platform-fee", platformFee, &p.PlatformFee},
				{"bank-markup", bankMarkup, &p.BankMarkupPercent},
				{"psp-commission", pspCommission, &p.PSPCommissionPercent},
			} {
				d, err := decimal.NewFromString(f.raw)
				if err != nil {
					return fmt.Errorf("invalid --%s: %w", f.name, err)
				}
				*f.value = d
			}
			if err := p.Validate(); err != nil {
				return err
			}
			printBreakdown(cmd.OutOrStdout(), revenue.Calculate(amount, p))
			return nil
		},
	}
	cmd.Flags().StringVar(&platformFee, "platform-fee", "0.5", "flat platform fee")
	cmd.Flags().StringVar(&bankMarkup, "bank-markup", "0.002", "bank markup as a fraction of the amount")
	cmd.Flags().StringVar(&pspCommission, "psp-commission", "0.003", "provider commission as a fraction of the amount")
	return cmd
}

func printSettlement(out io.Writer, res *service.SettlementResult) {
	switch {
	case res.AlreadySettled:
		fmt.Fprintf(out, "%s already settled in %s on %s\n", res.OrderID, res.TransactionID, res.NetworkUsed)
	case res.Success:
		fmt.Fprintf(out, "%s settled: %s on %s, amount %s\n", res.OrderID, res.TransactionID, res.NetworkUsed, res.Amount)
	default:
		next := "none (manual review)"
		if res.NextRetryAt != nil {
			next = res.NextRetryAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%s failed (attempt %d): %s; next retry %s\n", res.OrderID, res.RetryCount, res.Error, next)
	}
}

func printBreakdown(out io.Writer, b revenue.Breakdown) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "amount\t%s\n", b.Amount)
	fmt.Fprintf(w, "platform fee\t%s\n", b.PlatformFee)
	fmt.Fprintf(w, "bank markup\t%s\n", b.BankMarkup)
	fmt.Fprintf(w, "psp commission\t%s\n", b.PSPCommission)
	fmt.Fprintf(w, "total fees\t%s\n", b.TotalFees)
	fmt.Fprintf(w, "net amount\t%s\n", b.NetAmount)
	_ = w.Flush()
}
