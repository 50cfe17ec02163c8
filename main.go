package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/netmark-org/netmark/internal/build"
	"github.com/netmark-org/netmark/internal/cmd"

	_ "github.com/netmark-org/netmark/internal/tasks" // Register built-in task kinds
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "Netmark is an orchestration plane for distributed network experiments",
	Long: `Netmark runs measurement experiments across fleets of heterogeneous
nodes. It compiles per-node environments, deploys them through
pluggable infrastructure connectors (local processes, docker, ssh,
kubernetes), drives execution graphs on the nodes and collects the
per-task results.
`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(cmd.CmdServer())
	rootCmd.AddCommand(cmd.CmdAgent())
	rootCmd.AddCommand(cmd.CmdMigrate())
	rootCmd.AddCommand(cmd.CmdExperiments())
	rootCmd.AddCommand(cmd.CmdVersion())

	build.Version = version
}

var version = "0.0.0"
