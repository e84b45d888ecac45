package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cdpwatch/internal/protocol"
	"cdpwatch/internal/storage"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		q       storage.Query
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recently recorded requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.Open(storage.Options{DSN: a.cfg.Sqlite.Dsn, Prefix: a.cfg.Sqlite.Prefix, Logger: a.log})
			if err != nil {
				return err
			}
			defer store.Close()
			rows, err := store.Find(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), rows, jsonOut)
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 20, "number of records")
	cmd.Flags().StringVar(&q.RunID, "run", "", "only records of this run id")
	cmd.Flags().StringVar(&q.URLLike, "url", "", "only records whose URL contains this text")
	cmd.Flags().BoolVar(&q.FailedOnly, "failed", false, "only failed requests")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print records as JSON lines")
	return cmd
}

func printRecords(w io.Writer, rows []storage.Record, jsonOut bool) error {
	if jsonOut {
		for _, r := range rows {
			b, err := protocol.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, string(b)); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATUS\tMETHOD\tTYPE\tURL")
	for _, r := range rows {
		status := fmt.Sprintf("%d", r.Status)
		if r.Failed {
			status = r.FailureText
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.Format("15:04:05"), status, r.Method, r.ResourceType, r.URL)
	}
	return tw.Flush()
}
