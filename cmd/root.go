// Package cmd provides the CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/anireap/anireap/internal/config"
	"github.com/anireap/anireap/internal/server"
)

const defaultShutdownTimeout = 30 * time.Second

// Version information - set at build time via ldflags.
//
//nolint:gochecknoglobals // build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
	BuiltBy   = "unknown"
)

// cli holds the persistent flags and the configuration they resolve to.
type cli struct {
	cfgFile   string
	envFile   string
	logLevel  string
	logPretty bool
	listen    string
	version   bool

	cfg config.Config
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree: the root command serves, "check"
// validates the configuration.
func NewRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "anireap",
		Short: "Keep your seasonal anime downloaded, named and mirrored",
		Long: `anireap reads subscription RSS feeds, submits each new episode to a
download client (like qBittorrent) under a canonical name, renames the
finished files and mirrors them to remote storage (Alist, rclone or S3).

Reconciliation sweeps and per-subscription refreshes are triggered over the
HTTP API; only one runs at a time.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.version {
				return nil
			}
			return c.load(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.version {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			return c.serve(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/anireap.yaml)")
	flags.StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&c.logPretty, "log-pretty", false, "enable pretty (human-readable) logging")
	root.Flags().StringVar(&c.listen, "listen", "", "address to listen on (default \"[::]:7789\")")
	root.Flags().BoolVarP(&c.version, "version", "V", false, "print version information and exit")

	root.AddCommand(newCheckCmd(c))

	return root
}

// load sets up logging and reads the configuration.
func (c *cli) load(stderr io.Writer) error {
	setupLogging(c.logLevel, c.logPretty, stderr)

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: c.cfgFile,
		EnvFile:    c.envFile,
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if c.listen != "" {
		cfg.Server.Listen = c.listen
	}

	c.cfg = cfg
	return nil
}

// serve runs the server until SIGINT or SIGTERM. Once the first signal has
// arrived the default handlers are restored, so a second one kills the process.
func (c *cli) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	srv, err := server.New(c.cfg, server.Options{
		Logger: log.With().Str("component", "main").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		stop()
	}()

	if err = srv.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("shutting down, send the signal again to force exit")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "anireap %s\n", Version)
	_, _ = fmt.Fprintf(w, "  commit:   %s\n", Commit)
	_, _ = fmt.Fprintf(w, "  built:    %s\n", BuildDate)
	_, _ = fmt.Fprintf(w, "  built by: %s\n", BuiltBy)
}

func setupLogging(level string, pretty bool, stderr io.Writer) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: stderr}) //nolint:reassign // standard zerolog pattern
	}
}
