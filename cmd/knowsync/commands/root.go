// Package commands is the knowsync CLI's cobra command tree: persistent
// flags bound through viper (env prefix KNOWSYNC), with serve, sync,
// history, and at-version subcommands.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cristinecula/knowsync/internal/config"
	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/syncerr"
)

var (
	syncConfigFile string
	dbPath         string
	syncRepo       string
	syncInterval   string
)

var rootCmd = &cobra.Command{
	Use:   "knowsync",
	Short: "Sync a local knowledge store against one or more git repos",
	Long: `knowsync keeps a local SQLite knowledge store in sync with one or more
git repositories of Markdown entries, resolving conflicts by version
comparison and propagating inaccuracy flags across linked entries.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&syncConfigFile, "sync-config", "", "sync config file (default is $XDG_CONFIG_HOME/knowsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "path to the SQLite knowledge store")
	rootCmd.PersistentFlags().StringVar(&syncRepo, "sync-repo", "", "single repo path to sync, shorthand for a one-entry repos list")
	rootCmd.PersistentFlags().StringVar(&syncInterval, "sync-interval", "", "periodic sync interval for serve, in seconds or as a duration (0 disables)")

	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("sync_repo", rootCmd.PersistentFlags().Lookup("sync-repo"))
	viper.BindPFlag("sync_interval_flag", rootCmd.PersistentFlags().Lookup("sync-interval"))
}

func initViper() {
	viper.SetEnvPrefix("KNOWSYNC")
	viper.AutomaticEnv()
}

// loadConfig builds the final *config.Config by layering the
// --sync-config file (or the default XDG path) under the environment,
// then applying viper's view of --db-path/--sync-repo/--sync-interval on
// top of that — flags win over everything, since BindPFlag gives them
// precedence over viper's own env lookup.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if syncConfigFile != "" {
		cfg, err = config.LoadFromPath(syncConfigFile, os.Getenv)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, syncerr.New(syncerr.ConfigError, "load_config", err)
	}

	if v := viper.GetString("db_path"); v != "" {
		cfg.DBPath = v
	}
	if v := viper.GetString("sync_repo"); v != "" {
		cfg.Repos = config.SingleRepoShorthand(v)
	}
	if v := viper.GetString("sync_interval_flag"); v != "" {
		d, parseErr := config.ParseInterval(v)
		if parseErr != nil {
			return nil, syncerr.New(syncerr.ConfigError, "load_config", fmt.Errorf("--sync-interval: %w", parseErr))
		}
		cfg.SyncInterval = d
	}
	if len(cfg.Repos) == 0 {
		return nil, syncerr.New(syncerr.ConfigError, "load_config", fmt.Errorf("no sync repos configured: set --sync-repo, --sync-config repos:, or KNOWSYNC_SYNC_REPO"))
	}
	unfiltered := 0
	for _, r := range cfg.Repos {
		if !record.ValidScope(r.Scope) && r.Scope != "" {
			return nil, syncerr.New(syncerr.ConfigError, "load_config", fmt.Errorf("repo %q: invalid scope %q", r.Name, r.Scope))
		}
		if !filepath.IsAbs(r.Path) {
			return nil, syncerr.New(syncerr.ConfigError, "load_config", fmt.Errorf("repo %q: path %q is not absolute", r.Name, r.Path))
		}
		if !r.HasScopeFilter() && !r.HasProjectFilter() {
			unfiltered++
		}
	}
	if unfiltered > 1 {
		return nil, syncerr.New(syncerr.ConfigError, "load_config", fmt.Errorf("%d repos have no scope or project filter; at most one fallback repo is allowed", unfiltered))
	}
	return cfg, nil
}
