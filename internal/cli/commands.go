package cli

import (
	"github.com/spf13/cobra"

	"paper-trader/pkg/utils"
)

func newFundsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "funds <user>",
		Short: "Show a user's fund summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setupApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			fund, err := app.Service.GetFunds(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(fund)
			}
			output.Printf("User:              %s\n", fund.User)
			output.Printf("Total capital:     %s\n", utils.FormatPaise(fund.TotalCapital))
			output.Printf("Available balance: %s\n", utils.FormatPaise(fund.AvailableBalance))
			output.Printf("Used margin:       %s\n", utils.FormatPaise(fund.UsedMargin))
			output.Printf("Realized P&L:      %s\n", utils.FormatPaise(fund.RealizedPnL))
			output.Printf("Unrealized P&L:    %s\n", utils.FormatPaise(fund.UnrealizedPnL))
			output.Printf("Today's realized:  %s\n", utils.FormatPaise(fund.TodayRealizedPnL))
			output.Printf("Resets:            %d\n", fund.ResetCount)
			return nil
		},
	}
}

func newSquareOffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "squareoff",
		Short: "Force square-off of all intraday orders and positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setupApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Service.ForceSquareOffAll(cmd.Context()); err != nil {
				return err
			}
			NewOutput(cmd).Success("square-off complete")
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and reload the job schedule",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduled jobs and next fire times",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setupApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			// Job next-fire times are read straight from persisted state;
			// no running scheduler is needed for status.
			jobs, err := app.ScheduleStatusFromStore(cmd.Context())
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(jobs)
			}
			if len(jobs) == 0 {
				output.Warning("no schedule state persisted yet")
				return nil
			}
			for _, j := range jobs {
				output.Printf("%-22s next %s\n", j.ID, j.NextFire.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Ask a running daemon to reload its schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setupApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			// Settings are re-read from the shared database by the
			// daemon's next reload; flag the request by touching the
			// settings store so a watcher can pick it up.
			if err := app.Settings.Reload(cmd.Context()); err != nil {
				return err
			}
			NewOutput(cmd).Success("settings reloaded; daemon applies them on its next reload")
			return nil
		},
	})

	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user>",
		Short: "Reset a user to starting capital",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setupApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Service.ResetUser(cmd.Context(), args[0]); err != nil {
				return err
			}
			NewOutput(cmd).Success("user %s reset to starting capital", args[0])
			return nil
		},
	}
}
