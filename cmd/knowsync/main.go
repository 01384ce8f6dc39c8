// Command knowsync runs the sync engine: pull/push passes against one or
// more configured git repos of Markdown knowledge entries, a periodic
// scheduler, and a minimal tool-verb dispatcher for an embedding agent
// host.
package main

import (
	"fmt"
	"os"

	"github.com/cristinecula/knowsync/cmd/knowsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
