package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cristinecula/knowsync/internal/syncengine"
)

var syncDirection string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync pass and exit",
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

		dir := syncengine.Direction(syncDirection)
		switch dir {
		case syncengine.DirectionPush, syncengine.DirectionPull, syncengine.DirectionBoth:
		default:
			return fmt.Errorf("invalid --direction %q: want push, pull, or both", syncDirection)
		}

		result, err := e.RunPass(context.Background(), dir)
		if err != nil {
			return err
		}
		if result.Contended {
			fmt.Println("sync skipped: lock held by another process")
			return nil
		}
		if result.Pull != nil {
			fmt.Printf("pull: new=%d updated=%d deleted=%d conflicts=%d\n",
				result.Pull.NewEntries, result.Pull.Updated, result.Pull.Deleted, result.Pull.Conflicts)
		}
		if result.Push != nil {
			fmt.Printf("push: new=%d deleted=%d committed=%t\n",
				result.Push.NewEntries, result.Push.Deleted, result.Push.Pushed)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncDirection, "direction", "both", "sync direction: push, pull, or both")
	rootCmd.AddCommand(syncCmd)
}
