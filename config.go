package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind         string
	logFile      string
	origin       string
	pingInterval time.Duration
	pingTimeout  time.Duration
	port         int
	prefix       string
	profile      bool
	tlsCert      string
	tlsKey       string
	verbose      bool
	version      bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.pingInterval <= 0 || c.pingTimeout <= 0 {
		return errors.New("--ping-interval and --ping-timeout must both be positive")
	}
	if c.pingInterval >= c.pingTimeout {
		return fmt.Errorf("--ping-interval (%s) must be shorter than --ping-timeout (%s)", c.pingInterval, c.pingTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SNAKEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "snakebox",
		Short:         "Browser snake with a lightweight real-time presence relay.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer syncLogger()
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: SNAKEBOX_BIND)")
	fs.StringVar(&cfg.logFile, "log-file", "snakebox.log", "path to the rolling log file (env: SNAKEBOX_LOG_FILE)")
	fs.StringVar(&cfg.origin, "origin", "http://localhost:3000", "origin allowed for cross-origin access (env: SNAKEBOX_ORIGIN)")
	fs.DurationVar(&cfg.pingInterval, "ping-interval", 25*time.Second, "interval between keep-alive pings (env: SNAKEBOX_PING_INTERVAL)")
	fs.DurationVar(&cfg.pingTimeout, "ping-timeout", 60*time.Second, "time without a pong before a connection is dropped (env: SNAKEBOX_PING_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 3001, "port to listen on (env: SNAKEBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: SNAKEBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: SNAKEBOX_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: SNAKEBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: SNAKEBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: SNAKEBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: SNAKEBOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.AddCommand(newPlayCmd())

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("snakebox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
