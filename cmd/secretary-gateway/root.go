package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/config"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secretary-gateway",
		Short: "MCP gateway federating backend tool servers behind secretaries",
		Long: `secretary-gateway terminates MCP sessions and exposes the tools of
backend MCP servers ("tasks") grouped under secretaries. Each caller only
sees and calls the tools of the secretaries mapped to its identity.`,
		SilenceUsage: true,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}
	cmd.PersistentFlags().StringP("config", "c", "", "path to a YAML, JSON or TOML configuration file")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(
		serveCmd(),
		stdioCmd(),
		versionCmd(),
	)
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over streamable HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), map[string]string{
				"server.addr": "addr",
				"server.path": "path",
			})
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				return a.gateway.ListenAndServe(ctx)
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("path", "", "MCP endpoint path (overrides server.path)")
	return cmd
}

func stdioCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single MCP session over stdin/stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				return a.gateway.ServeStdio(ctx, identity)
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "identity of the stdio caller")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(cmd.Root().Version)
		},
	}
}

// loadConfig reads --config and applies the flags in overrides, keyed by
// config key, when they were set on the command line.
func loadConfig(flags *pflag.FlagSet, overrides map[string]string) (*config.Config, error) {
	v := config.NewViper()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for key, name := range overrides {
		flag := flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, err
		}
	}
	return config.Decode(v)
}

// run builds the app, serves until serve returns or a signal arrives, and
// shuts everything down.
func run(parent context.Context, cfg *config.Config, serve func(context.Context, *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, os.Stderr)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		_ = a.close()
		return err
	}
	serveErr := serve(ctx, a)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	var result *multierror.Error
	if serveErr != nil {
		result = multierror.Append(result, serveErr)
	}
	if err := a.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
