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
	abandonTimeout  time.Duration
	bind            string
	dataDir         string
	managerPassword string
	mediaMaxMB      int64
	port            int
	prefix          string
	profile         bool
	tlsCert         string
	tlsKey          string
	verbose         bool
	version         bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.managerPassword == "" {
		return errors.New("--manager-password must not be empty")
	}
	if c.mediaMaxMB < 1 {
		return fmt.Errorf("invalid media size limit (must be at least 1MB): %d", c.mediaMaxMB)
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
	v.SetEnvPrefix("KWAQUIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "kwaquiz",
		Short:         "A real-time multi-role live-quiz game server.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.DurationVar(&cfg.abandonTimeout, "abandon-timeout", time.Hour, "time before fully-disconnected started games are evicted (env: KWAQUIZ_ABANDON_TIMEOUT)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: KWAQUIZ_BIND)")
	fs.StringVar(&cfg.dataDir, "data", "data", "directory for quizzes, media and snapshots (env: KWAQUIZ_DATA)")
	fs.StringVar(&cfg.managerPassword, "manager-password", "PASSWORD", "shared password gating manager and viewer access (env: KWAQUIZ_MANAGER_PASSWORD)")
	fs.Int64Var(&cfg.mediaMaxMB, "media-max-mb", 50, "maximum media upload size in megabytes (env: KWAQUIZ_MEDIA_MAX_MB)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: KWAQUIZ_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: KWAQUIZ_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: KWAQUIZ_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: KWAQUIZ_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: KWAQUIZ_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: KWAQUIZ_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: KWAQUIZ_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("kwaquiz v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
