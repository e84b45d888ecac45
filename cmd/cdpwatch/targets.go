package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/mafredri/cdp/protocol/target"
	"github.com/spf13/cobra"

	"cdpwatch/internal/cdp"
)

func newTargetsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List debuggable targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := cdp.Dial(ctx, a.cfg.Browser.Endpoint, cdp.Options{Logger: a.log})
			if err != nil {
				return err
			}
			defer conn.Close()

			var reply target.GetTargetsReply
			if err := conn.Send(ctx, "Target.getTargets", nil, &reply); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tATTACHED\tTITLE\tURL")
			for _, t := range reply.TargetInfos {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", t.TargetID, t.Type, t.Attached, t.Title, t.URL)
			}
			return tw.Flush()
		},
	}
}
