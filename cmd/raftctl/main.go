package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	raftcli "github.com/amirimatin/go-raft/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "raftctl",
		Short:         "go-raft node and management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	raftcli.AddAll(root)
	return root
}
