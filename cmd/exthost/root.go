package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	exthost "github.com/reglet-dev/reglet-exthost"
	"github.com/reglet-dev/reglet-exthost/config"
	"github.com/reglet-dev/reglet-exthost/permission"
	"github.com/reglet-dev/reglet-exthost/permission/grantstore"
	"github.com/reglet-dev/reglet-exthost/permission/sqlstore"
)

// app carries state shared by every subcommand once flags are parsed.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	configPath string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "exthost",
		Short: "Run the extension host",
		Long: `exthost loads sandboxed extensions and serves their commands, tools and
views over JSON-RPC 2.0.

With no subcommand it serves a single client on stdin/stdout. Pass --listen
to accept one WebSocket client on /rpc instead.`,
		Version:       exthost.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Log.NewLogger(cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.exthost/config.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("permissions-backend", "", "grant store backend: file or sqlite")
	pf.String("permissions-path", "", "grant store location")
	pf.String("security-level", "", "prompting policy: strict, standard or permissive")

	f := root.Flags()
	f.String("listen", "", "serve one WebSocket client on this address instead of stdio")
	f.String("framing", "", "stdio framing: line or header")
	f.Duration("request-timeout", 0, "timeout for host-initiated requests")
	f.Duration("eval-timeout", 0, "time limit for evaluating an extension's entry module")

	root.AddCommand(newPermissionsCmd(a), newManifestCmd())
	return root
}

// openPermissions opens the configured grant store. The returned closer is
// never nil.
func (a *app) openPermissions(ctx context.Context) (*permission.Service, func() error, error) {
	path := a.cfg.PermissionsPath()
	opts := []permission.Option{permission.WithLogger(a.logger)}

	if a.cfg.Permissions.Backend == config.BackendSQLite {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create permission directory: %w", err)
		}
		store, err := sqlstore.Open(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return permission.NewService(store, opts...), store.Close, nil
	}

	store := grantstore.NewFileStore(grantstore.WithPath(path))
	return permission.NewService(store, opts...), func() error { return nil }, nil
}
