package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/festivio/numeros/pkg/entitlement"
	"github.com/festivio/numeros/pkg/seal"
)

func mustBind(key string, flag *pflag.Flag) {
	if err := settings.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// withApp loads configuration, wires a one-shot app and runs fn with it
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(settings)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, newZerolog(cfg, cmd.ErrOrStderr()), false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var grantCmd = &cobra.Command{
	Use:   "grant EMAIL",
	Short: "Grant an issue to a customer",
	Long:  `Adds the catalog entry for (age, issue) to the customer's owned issues. Age defaults to the configured default age and issue to the current month.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		age, _ := cmd.Flags().GetString("age")
		issue, _ := cmd.Flags().GetString("issue")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runGrant(ctx, a, cmd.OutOrStdout(), args[0], age, issue)
		})
	},
}

func runGrant(ctx context.Context, a *app, w io.Writer, email, age, issue string) error {
	if issue != "" && !entitlement.ValidIssueKey(issue) {
		return fmt.Errorf("invalid issue %q, want YYYY-MM", issue)
	}
	out, err := a.reconciler.GrantByEmail(ctx, email, age, issue)
	if err != nil {
		return err
	}
	return printJSON(w, out)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect EMAIL",
	Short: "Show a customer's subscription fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			state, err := a.reconciler.Inspect(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		})
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Reconcile a synthetic subscription_created event",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := seal.SimulateRequest{}
		req.Email, _ = cmd.Flags().GetString("email")
		req.Prenom, _ = cmd.Flags().GetString("prenom")
		req.Nom, _ = cmd.Flags().GetString("nom")
		req.BillingInterval, _ = cmd.Flags().GetString("billing-interval")
		productID, _ := cmd.Flags().GetString("product-id")
		age, _ := cmd.Flags().GetString("age")
		req.ProductID = entitlement.FlexString(productID)
		req.Age = entitlement.FlexString(age)

		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runSimulate(ctx, a, cmd.OutOrStdout(), req)
		})
	},
}

func runSimulate(ctx context.Context, a *app, w io.Writer, req seal.SimulateRequest) error {
	ev := seal.SimulatedEvent(req, a.cfg.DefaultAge)
	out, err := a.reconciler.Reconcile(ctx, entitlement.EventSubscriptionCreated, ev)
	if err != nil {
		return err
	}
	return printJSON(w, map[string]interface{}{
		"message": "Simulation OK",
		"info":    out.Resolution,
		"outcome": out,
	})
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Catalog management commands",
}

var catalogShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the catalog held by the configured source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			return printJSON(cmd.OutOrStdout(), a.holder.Current())
		})
	},
}

var catalogPushCmd = &cobra.Command{
	Use:   "push FILE",
	Short: "Validate a catalog JSON file and store it in the configured source",
	Long:  `Validates FILE and replaces the catalog in the configured source. Running servers pick it up via pub/sub (redis), polling (postgres) or file watching (file).`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.pushCatalog(ctx, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog pushed to %s\n", a.cfg.CatalogSource)
			return nil
		})
	},
}

func init() {
	grantCmd.Flags().String("age", "", "age bracket (default: configured default age)")
	grantCmd.Flags().String("issue", "", "issue key YYYY-MM (default: current month)")

	simulateCmd.Flags().String("email", "", "customer email (default: test@sealsubscriptions.com)")
	simulateCmd.Flags().String("prenom", "", "child first name")
	simulateCmd.Flags().String("nom", "", "last name")
	simulateCmd.Flags().String("billing-interval", "", "month or year")
	simulateCmd.Flags().String("product-id", "", "product whose age field is consulted")
	simulateCmd.Flags().String("age", "", "age bracket line item property")

	catalogCmd.AddCommand(catalogShowCmd, catalogPushCmd)
}
