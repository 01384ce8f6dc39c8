package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cristinecula/knowsync/internal/knowledge"
	"github.com/cristinecula/knowsync/internal/syncengine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the periodic sync scheduler and the tool-verb dispatcher",
	Long: `serve opens the knowledge store, starts the periodic sync scheduler at
the configured interval, and reads newline-delimited tool-verb requests
from stdin (store_knowledge, update_knowledge, query_knowledge, ...),
writing one JSON response per line to stdout. It is the thinnest possible
caller of the engine's operations, meant to be driven by an agent host
process over a pipe, not typed at interactively.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, e, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		for _, repo := range cfg.Repos {
			if repo.Remote == "" {
				continue
			}
			if _, statErr := os.Stat(repo.Path); os.IsNotExist(statErr) {
				fmt.Fprintf(os.Stderr, "cloning %s from %s\n", repo.Name, repo.Remote)
				if cloneErr := e.VCS.Clone(context.Background(), repo.Remote, repo.Path); cloneErr != nil {
					return fmt.Errorf("clone %s: %w", repo.Name, cloneErr)
				}
			}
		}

		scheduler := syncengine.NewScheduler(e, syncengine.SchedulerConfig{Interval: cfg.SyncInterval})
		svc := &knowledge.Service{
			Store:     s,
			VCS:       e.VCS,
			Scheduler: scheduler,
			Repos:     cfg.Repos,
			Touched:   e.Touched,
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if cfg.SyncInterval > 0 {
			scheduler.Start(ctx)
		} else {
			fmt.Fprintln(os.Stderr, "periodic sync disabled (interval 0); sync_knowledge still works on demand")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		dispatchDone := make(chan struct{})
		go func() {
			defer close(dispatchDone)
			runDispatchLoop(ctx, svc, os.Stdin, os.Stdout)
		}()

		fmt.Fprintln(os.Stderr, "knowsync serve: running, interval", cfg.SyncInterval)
		select {
		case <-sigCh:
		case <-dispatchDone:
		}

		fmt.Fprintln(os.Stderr, "knowsync serve: shutting down")
		cancel()
		scheduler.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
