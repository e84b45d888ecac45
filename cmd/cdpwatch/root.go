package main

import (
	"github.com/spf13/cobra"

	"cdpwatch/internal/config"
	"cdpwatch/internal/logger"
)

// app 命令共享的配置与日志
type app struct {
	cfgFile  string
	endpoint string
	logLevel string

	cfg      *config.Config
	log      logger.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "cdpwatch",
		Short:         "Watch and intercept browser network traffic over the DevTools protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVarP(&a.endpoint, "endpoint", "e", "", "DevTools endpoint (http://host:port or ws:// URL)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newWatchCmd(a), newHistoryCmd(a), newTargetsCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.endpoint != "" {
		cfg.Browser.Endpoint = a.endpoint
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	l, closer, err := logger.New(cfg.LoggerOptions())
	if err != nil {
		return err
	}
	a.cfg, a.log, a.closeLog = cfg, l, closer
	return nil
}
