// Package cli implements the seshell commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gregLibert/ese-hal/internal/config"
)

// Set via -ldflags "-X github.com/gregLibert/ese-hal/internal/cli.Version=x.y.z"
var Version = "dev"

type globalFlags struct {
	configFile  string
	transport   string
	reader      string
	osVersion   string
	logLevel    string
	logFormat   string
	metricsAddr string
}

// NewRootCommand builds the seshell command tree.
func NewRootCommand() *cobra.Command {
	var (
		flags globalFlags
		a     *app
	)

	root := &cobra.Command{
		Use:   "seshell",
		Short: "seshell - drive an embedded secure element over logical channels",
		Long: `seshell opens channels on an embedded secure element, selects applets and
exchanges raw APDUs with them.

Supported transports:
  - pcsc: a PC/SC reader (the first one, or the one matching --reader)
  - sim:  an in-memory virtual secure element`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			a, err = newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.serveMetrics()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "YAML config file")
	pf.StringVar(&flags.transport, "transport", config.TransportPCSC, "transport to use (pcsc, sim)")
	pf.StringVar(&flags.reader, "reader", "", "PC/SC reader name substring")
	pf.StringVar(&flags.osVersion, "os-version", "", "chip OS version, e.g. 6.2 (sizes the channel table)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (console, json)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	appFn := func() *app { return a }
	root.AddCommand(
		newATRCommand(appFn),
		newOpenCommand(appFn),
		newTransmitCommand(appFn),
		newResetCommand(appFn),
		newShellCommand(appFn),
		newReadersCommand(),
		newVersionCommand(),
	)

	return root
}

// Execute runs seshell.
func Execute() error {
	return NewRootCommand().Execute()
}

// loadConfig reads the config file, if any, then applies the flags set on the command line.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configFile != "" {
		var err error
		if cfg, err = config.Load(flags.configFile); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("transport") {
		cfg.Transport.Kind = flags.transport
	}
	if changed("reader") {
		cfg.Transport.Reader = flags.reader
	}
	if changed("os-version") {
		cfg.Engine.OSVersion = flags.osVersion
	}
	if changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = flags.logFormat
	}
	if changed("metrics-addr") {
		cfg.Metrics.Address = flags.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
