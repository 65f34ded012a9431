package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/draft-keeper/internal/config"
	"github.com/and161185/draft-keeper/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "dk",
		Short:         "Encrypted draft backup and sync for clinical notes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/draft-keeper/config.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newBackupCmd(opts),
		newRestoreCmd(opts),
		newPendingCmd(opts),
		newPushCmd(opts),
		newWatchCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

// load resolves configuration: defaults, file, DK_* env, then flags.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	path := o.configPath
	if path == "" {
		def := filepath.Join(config.Dir(), "config.yaml")
		if _, err := os.Stat(def); err == nil {
			path = def
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withApp runs fn against a fully wired engine and releases it afterwards.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app) error) error {
	cfg, log, err := o.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
