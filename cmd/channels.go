package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmehdipour/incident-relay/internal/app"
	"github.com/jmehdipour/incident-relay/internal/logger"
	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Inspect configured publishing channels",
}

var channelsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Authenticate every enabled channel and print its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		disp, err := app.BuildDispatcher(ctx, cfg, logger.Log)
		if err != nil {
			return err
		}
		errs := disp.Authenticate(ctx)

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CHANNEL\tKIND\tENABLED\tAUTH\tIDENTITY\tHOURLY LIMIT\tERROR")
		for _, st := range disp.Status() {
			msg := ""
			if err := errs[st.Channel]; err != nil {
				msg = err.Error()
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%d\t%s\n",
				st.Channel, st.Kind, st.Enabled, st.Authenticated, st.Identity, st.HourlyLimit, msg)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if len(errs) > 0 {
			return fmt.Errorf("%d channel(s) failed authentication", len(errs))
		}
		return nil
	},
}

func init() {
	channelsCmd.AddCommand(channelsCheckCmd)
}
