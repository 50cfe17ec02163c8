package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netmark-org/netmark/internal/interpreter"
	"github.com/netmark-org/netmark/internal/logger"
)

func CmdAgent() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "agent",
			Short: "Run the on-node executor agent",
			Long: `Run the agent process a connector deploys onto a node.

The agent resolves its execution graph (an injected file first, the
gateway otherwise), executes the graph's tasks honoring the dependency
edges and early-stopping rules, heartbeats while it works, and uploads
the results to the gateway when it finishes.

Connectors configure the agent entirely through the environment:
  NETMARK_GATEWAY_ENDPOINT   gateway base URL (required)
  NETMARK_EXECUTOR_ID        executor identity; without it the agent
                             runs the staged graph file and skips
                             heartbeats and reporting
  NETMARK_EXPERIMENT_ID      experiment the executor belongs to

Example:
  NETMARK_GATEWAY_ENDPOINT=http://plane:26512 NETMARK_EXECUTOR_ID=... netmark agent
`,
		}, nil, runAgent,
	)
}

func runAgent(ctx *Context, _ []string) error {
	opts, err := interpreter.OptionsFromEnv()
	if err != nil {
		return fmt.Errorf("agent environment incomplete: %w", err)
	}
	opts.GraphFile = ctx.Config.Agent.GraphFile
	opts.HeartbeatInterval = ctx.Config.Agent.HeartbeatInterval

	agent := interpreter.New(opts)

	// Agent log lines ride along in the uploaded report tail.
	ctx.LogToWriter(agent.LogWriter())

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(runCtx); err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}

	succeeded := true
	if report := agent.Report(); report != nil {
		succeeded = report.Outcome.IsSuccess()
	}
	logger.Info(ctx, "Agent finished", "state", agent.State(), "success", succeeded)
	return nil
}
