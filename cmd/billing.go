package cmd

import (
	"context"
	"strconv"
	"time"

	"github.com/freelancehub/creditengine/internal/app"
	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/service/referral"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	consumptionsLimit int

	balanceCommand = &cobra.Command{
		Use:   "balance [subscription id]",
		Short: "Print credit balance and latest consumptions of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE:  balanceCmd,
	}

	catalogCommand = &cobra.Command{
		Use:   "catalog",
		Short: "Print plans and service credit values",
		Args:  cobra.NoArgs,
		RunE:  catalogCmd,
	}

	reputationCommand = &cobra.Command{
		Use:   "reputation",
		Short: "Manage the ip reputation db used for click fraud scoring",
	}

	reputationMarkCommand = &cobra.Command{
		Use:   "mark [ip or cidr] [risk]",
		Short: "Set risk (0..1) of an address or network",
		Args:  cobra.ExactArgs(2),
		RunE:  reputationMarkCmd,
	}

	reputationForgetCommand = &cobra.Command{
		Use:   "forget [ip or cidr]",
		Short: "Remove an address or network",
		Args:  cobra.ExactArgs(1),
		RunE:  reputationForgetCmd,
	}
)

func init() {
	balanceCommand.Flags().IntVar(&consumptionsLimit, "limit", 10, "consumptions to print")

	reputationCommand.AddCommand(reputationMarkCommand, reputationForgetCommand)
}

func balanceCmd(cmd *cobra.Command, args []string) error {
	subscriptionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || subscriptionID <= 0 {
		return errors.Errorf("invalid subscription id %q", args[0])
	}

	ctx := context.Background()
	service := app.New(ctx, resolveConfig())
	defer service.Shutdown(ctx) //nolint:errcheck

	services := service.Locator()

	balance, err := services.Ledger.GetCreditBalance(ctx, subscriptionID)
	if err != nil {
		return err
	}

	summary := tablewriter.NewWriter(cmd.OutOrStdout())
	summary.SetHeader([]string{"Pool", "Granted", "Used"})
	summary.Append([]string{"base", itoa(balance.BaseCredits), itoa(balance.BaseCreditsUsed)})
	summary.Append([]string{"referral", itoa(balance.ReferralCredits), itoa(balance.ReferralCreditsUsed)})
	summary.SetFooter([]string{"available", itoa(balance.AvailableCredits), ""})
	summary.Render()

	consumptions, err := services.Ledger.ListConsumptions(ctx, subscriptionID, consumptionsLimit)
	if err != nil {
		return err
	}

	history := tablewriter.NewWriter(cmd.OutOrStdout())
	history.SetHeader([]string{"ID", "Service", "Units", "Credits", "Discount", "Type", "Created at"})

	for _, c := range consumptions {
		history.Append([]string{
			itoa(c.ID),
			c.ServiceType,
			itoa(c.Units),
			itoa(c.TotalCredits),
			itoa(c.DiscountApplied),
			string(c.CreditType),
			c.CreatedAt.Format(time.RFC3339),
		})
	}

	history.Render()

	return nil
}

func catalogCmd(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	service := app.New(ctx, resolveConfig())
	defer service.Shutdown(ctx) //nolint:errcheck

	services := service.Locator()

	plans, err := services.Catalog.ListPlans(ctx, false)
	if err != nil {
		return err
	}

	plansTable := tablewriter.NewWriter(cmd.OutOrStdout())
	plansTable.SetHeader([]string{"Plan", "Name", "Price", "Credits", "Interval", "Active"})

	for _, p := range plans {
		plansTable.Append([]string{
			p.ID,
			p.Name,
			p.Price.StringFixed(2),
			itoa(p.Credits),
			p.BillingInterval,
			strconv.FormatBool(p.IsActive),
		})
	}

	plansTable.Render()

	values, err := services.Catalog.ListCreditValues(ctx, false)
	if err != nil {
		return err
	}

	valuesTable := tablewriter.NewWriter(cmd.OutOrStdout())
	valuesTable.SetHeader([]string{"Service", "Credits per unit", "Unit", "Min", "Max", "Tiers", "Active"})

	for _, v := range values {
		valuesTable.Append([]string{
			v.ServiceType,
			v.CreditsPerUnit.String(),
			v.BaseUnit,
			itoa(v.MinUnits),
			maxUnits(v),
			strconv.Itoa(len(v.TieredPricing)),
			strconv.FormatBool(v.IsActive),
		})
	}

	valuesTable.Render()

	return nil
}

func reputationMarkCmd(cmd *cobra.Command, args []string) error {
	risk, err := strconv.ParseFloat(args[1], 64)
	if err != nil || risk < 0 || risk > 1 {
		return errors.Errorf("risk must be a number within [0, 1], got %q", args[1])
	}

	return withReputation(func(r *referral.BoltReputation) error {
		if err := r.Mark(args[0], risk); err != nil {
			return err
		}

		cmd.Printf("%s marked with risk %.2f\n", args[0], risk)

		return nil
	})
}

func reputationForgetCmd(cmd *cobra.Command, args []string) error {
	return withReputation(func(r *referral.BoltReputation) error {
		if err := r.Forget(args[0]); err != nil {
			return err
		}

		cmd.Printf("%s removed\n", args[0])

		return nil
	})
}

func withReputation(fn func(r *referral.BoltReputation) error) error {
	cfg := resolveConfig()

	r, err := referral.OpenBoltReputation(cfg.Billing.Referral.ReputationDB)
	if err != nil {
		return errors.Wrap(err, "unable to open reputation db (is the server holding it?)")
	}
	defer r.Close()

	return fn(r)
}

func maxUnits(v repository.CreditValue) string {
	if !v.MaxUnits.Valid {
		return "-"
	}

	return itoa(v.MaxUnits.Int64)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
