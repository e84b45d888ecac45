package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cdpwatch/internal/ctxkeys"
	"cdpwatch/internal/protocol"
	"cdpwatch/internal/service"
	"cdpwatch/internal/storage"
	"cdpwatch/pkg/api"
	"cdpwatch/pkg/domain"
)

type watchOptions struct {
	rulesFile string
	intercept bool
	record    bool
	jsonOut   bool
	filter    string
	kinds     []string
}

func newWatchCmd(a *app) *cobra.Command {
	o := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach to every target and print request lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, a, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&o.rulesFile, "rules", "r", "", "YAML rules file for request interception")
	cmd.Flags().BoolVarP(&o.intercept, "intercept", "i", false, "enable request interception")
	cmd.Flags().BoolVar(&o.record, "record", false, "record finished requests to sqlite")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false, "print events as JSON lines")
	cmd.Flags().StringVarP(&o.filter, "filter", "f", "", "only print events whose URL contains this text")
	cmd.Flags().StringSliceVar(&o.kinds, "events", []string{"response", "requestfailed"}, "event types to print")
	return cmd
}

func runWatch(ctx context.Context, a *app, o *watchOptions, out io.Writer) error {
	runID := uuid.NewString()
	ctx = ctxkeys.WithTraceID(ctx, runID)

	cfg := a.cfg.SessionConfig()
	if o.rulesFile != "" {
		cfg.RulesFile = o.rulesFile
	}
	if o.intercept || cfg.RulesFile != "" {
		cfg.RequestInterception = true
	}

	opts := service.Options{Logger: a.log.With("runId", runID), RunID: runID, RecordBuffer: a.cfg.Sqlite.Buffer}
	if o.record || a.cfg.Sqlite.Enabled {
		store, err := storage.Open(storage.Options{DSN: a.cfg.Sqlite.Dsn, Prefix: a.cfg.Sqlite.Prefix, Logger: a.log})
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
	}

	var svc api.Service = api.NewService(opts)
	if err := svc.Start(ctx, cfg); err != nil {
		return err
	}
	defer svc.Stop()
	events, cancel := svc.Subscribe()
	defer cancel()

	kinds := make(map[domain.NetworkEventType]bool, len(o.kinds))
	for _, k := range o.kinds {
		kinds[domain.NetworkEventType(strings.ToLower(k))] = true
	}
	a.log.Info("开始监听", "endpoint", cfg.DevToolsURL, "interception", cfg.RequestInterception, "rules", len(svc.Rules().Rules))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-svc.Done():
			return fmt.Errorf("browser connection closed")
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !kinds[ev.Type] || (o.filter != "" && !strings.Contains(ev.URL, o.filter)) {
				continue
			}
			if err := printEvent(out, ev, o.jsonOut); err != nil {
				return err
			}
		}
	}
}

func printEvent(w io.Writer, ev domain.NetworkEvent, jsonOut bool) error {
	if jsonOut {
		b, err := protocol.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	var status string
	switch {
	case ev.FailureText != "":
		status = "ERR"
	case ev.Status != 0:
		status = fmt.Sprintf("%d", ev.Status)
	default:
		status = "---"
	}
	line := fmt.Sprintf("%-16s %-3s %-6s %s", ev.Type, status, ev.Method, ev.URL)
	if ev.FromCache {
		line += " (cache)"
	}
	if ev.RedirectCount > 0 {
		line += fmt.Sprintf(" (redirects: %d)", ev.RedirectCount)
	}
	if ev.FailureText != "" {
		line += " " + ev.FailureText
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
