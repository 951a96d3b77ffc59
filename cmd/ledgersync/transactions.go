package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/id"
	"github.com/xraph/ledgersync/transaction"
	"github.com/xraph/ledgersync/types"
)

type recordFlags struct {
	id       string
	amount   string
	currency string
	kind     string
	category string
	note     string
	at       string
	sync     bool
}

func newRecordCmd(a *app) *cobra.Command {
	var f recordFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a new transaction or edit an existing one",
		Example: `  ledgersync record --amount 12.50 --category food --note lunch
  ledgersync record --kind income --amount 2500 --category salary --at 2024-06-01
  ledgersync record --id txn_01hx... --note "team lunch"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			engine, closeEngine, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()

			t := &transaction.Transaction{
				UserID:    a.cfg.UserID,
				Kind:      transaction.KindExpense,
				Timestamp: time.Now().UTC(),
			}
			if f.id != "" {
				txnID, err := id.ParseTransactionID(f.id)
				if err != nil {
					return err
				}
				if t, err = engine.GetTransaction(ctx, txnID); err != nil {
					return err
				}
			} else if f.amount == "" {
				return errors.New("--amount is required for a new transaction")
			}

			if err := f.apply(cmd, t, a.cfg.DefaultCurrency); err != nil {
				return err
			}

			saved, err := engine.RecordTransaction(ctx, t)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %s v%d %s %s\n",
				saved.ID, saved.Version, saved.Signed(), saved.Category)

			if f.sync && a.requireRemote() == nil {
				return engine.SyncOnce(ctx)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.id, "id", "", "edit the transaction with this id")
	cmd.Flags().StringVar(&f.amount, "amount", "", "amount in major units, e.g. 12.50")
	cmd.Flags().StringVar(&f.currency, "currency", "", "ISO 4217 currency (default from config)")
	cmd.Flags().StringVar(&f.kind, "kind", "", "expense or income (default expense)")
	cmd.Flags().StringVar(&f.category, "category", "", "category")
	cmd.Flags().StringVar(&f.note, "note", "", "free-form note")
	cmd.Flags().StringVar(&f.at, "at", "", "when it happened: RFC 3339 or YYYY-MM-DD (default now)")
	cmd.Flags().BoolVar(&f.sync, "sync", false, "sync right after recording")
	return cmd
}

// apply copies the flags the user set onto t.
func (f *recordFlags) apply(cmd *cobra.Command, t *transaction.Transaction, defaultCurrency string) error {
	flags := cmd.Flags()

	if flags.Changed("amount") || flags.Changed("currency") {
		currency := f.currency
		if currency == "" {
			currency = t.Amount.Currency
		}
		if currency == "" {
			currency = defaultCurrency
		}
		amount := f.amount
		if amount == "" {
			amount = t.Amount.FormatMajor()
		}
		m, err := types.ParseMoney(amount, currency)
		if err != nil {
			return err
		}
		if m.IsNegative() {
			return errors.New("amount must not be negative; use --kind to record income or expense")
		}
		t.Amount = m
	}
	if flags.Changed("kind") {
		k := transaction.Kind(strings.ToLower(f.kind))
		if k != transaction.KindExpense && k != transaction.KindIncome {
			return fmt.Errorf("unknown kind %q", f.kind)
		}
		t.Kind = k
	}
	if flags.Changed("category") {
		t.Category = f.category
	}
	if flags.Changed("note") {
		t.Note = f.note
	}
	if flags.Changed("at") {
		at, err := parseWhen(f.at)
		if err != nil {
			return err
		}
		t.Timestamp = at
	}
	return nil
}

func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func newDeleteCmd(a *app) *cobra.Command {
	var syncNow bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txnID, err := id.ParseTransactionID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			engine, closeEngine, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()

			tomb, err := engine.DeleteTransaction(ctx, txnID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s v%d\n", tomb.ID, tomb.Version)

			if syncNow && a.requireRemote() == nil {
				return engine.SyncOnce(ctx)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&syncNow, "sync", false, "sync right after deleting")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var (
		opts        transaction.ListOpts
		kind        string
		from, to    string
		showDeleted bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.UserID = a.cfg.UserID
			opts.Kind = transaction.Kind(strings.ToLower(kind))
			opts.IncludeDeleted = showDeleted
			if from != "" {
				t, err := parseWhen(from)
				if err != nil {
					return err
				}
				opts.From = t
			}
			if to != "" {
				t, err := parseWhen(to)
				if err != nil {
					return err
				}
				opts.To = t
			}

			ctx := cmd.Context()
			engine, closeEngine, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()

			txns, err := engine.ListTransactions(ctx, opts)
			if err != nil {
				return err
			}
			return writeTransactions(cmd.OutOrStdout(), txns)
		},
	}

	cmd.Flags().StringVar(&opts.Category, "category", "", "only this category")
	cmd.Flags().StringVar(&kind, "kind", "", "only expense or income")
	cmd.Flags().StringVar(&from, "from", "", "on or after this time")
	cmd.Flags().StringVar(&to, "to", "", "before this time")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum rows (0 = all)")
	cmd.Flags().BoolVar(&showDeleted, "deleted", false, "include deleted transactions")
	return cmd
}

func writeTransactions(w io.Writer, txns []*ledgersync.Transaction) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tAMOUNT\tCATEGORY\tNOTE\tVERSION\tSYNCED")
	total := make(map[string]types.Money)
	for _, t := range txns {
		synced := "no"
		if t.RemoteVersion >= t.Version {
			synced = "yes"
		}
		note := t.Note
		if t.Deleted {
			note = "(deleted) " + note
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.Timestamp.Local().Format(time.DateOnly), t.Signed(), t.Category, note, t.Version, synced)
		if !t.Deleted {
			cur := t.Amount.Currency
			acc, ok := total[cur]
			if !ok {
				acc = types.Zero(cur)
			}
			total[cur] = acc.Add(t.Signed())
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, cur := range slices.Sorted(maps.Keys(total)) {
		fmt.Fprintf(w, "net %s\n", total[cur])
	}
	return nil
}
