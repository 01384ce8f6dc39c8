package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cristinecula/knowsync/internal/knowledge"
)

var (
	historyRepo  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history <entry-type> <id>",
	Short: "Print an entry's commit history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoPath, err := repoPathForFlag()
		if err != nil {
			return err
		}
		svc := &knowledge.Service{VCS: vcsOnlyDriver()}
		entries, err := svc.GetEntryHistory(repoPath, args[0], args[1], historyLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

var atVersionCmd = &cobra.Command{
	Use:   "at-version <entry-type> <id> <revision>",
	Short: "Print an entry's raw content at a given git revision",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoPath, err := repoPathForFlag()
		if err != nil {
			return err
		}
		svc := &knowledge.Service{VCS: vcsOnlyDriver()}
		content, err := svc.GetEntryAtVersion(repoPath, args[2], args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Print(string(content))
		return nil
	},
}

func repoPathForFlag() (string, error) {
	if historyRepo != "" {
		return historyRepo, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Repos[0].Path, nil
}

func init() {
	historyCmd.Flags().StringVar(&historyRepo, "repo", "", "repo path (default: the first configured sync repo)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of commits to show")
	atVersionCmd.Flags().StringVar(&historyRepo, "repo", "", "repo path (default: the first configured sync repo)")
	rootCmd.AddCommand(historyCmd, atVersionCmd)
}
