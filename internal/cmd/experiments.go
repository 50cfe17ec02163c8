package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/netmark-org/netmark/internal/build"
	"github.com/netmark-org/netmark/internal/client"
	"github.com/netmark-org/netmark/internal/core"
)

func CmdExperiments() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "experiments [flags] [name]",
			Short: "List your experiments or inspect one",
			Long: `Query the orchestration API for experiment state.

Without arguments the command lists every experiment you own with its
lifecycle status. With a name it shows that experiment's executors:
which node each one runs on, whether its environment was prepared, and
the execution outcome once the experiment finished.

Credentials are taken from --user/--token, then from NETMARK_USER and
NETMARK_TOKEN, and prompted for otherwise.

Example:
  netmark experiments
  netmark experiments bandwidth-sweep
  netmark experiments -e https://plane.example.org:26512 -u alice
`,
			Args: cobra.MaximumNArgs(1),
		}, experimentsFlags, runExperiments,
	)
}

var experimentsFlags = []commandLineFlag{endpointFlag, userFlag, tokenFlag}

func runExperiments(ctx *Context, args []string) error {
	api, err := newAPIClient(ctx)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return showExperiment(ctx, api, args[0])
	}
	return listExperiments(ctx, api)
}

var experimentsHeader = table.Row{"Name", "Status", "Nodes", "Error"}

func listExperiments(ctx *Context, api *client.Client) error {
	infos, err := api.Experiments(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no experiments")
		return nil
	}

	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.AppendHeader(experimentsHeader)
	for _, name := range names {
		info := infos[name]
		nodes := 0
		if info.Experiment != nil {
			nodes = len(info.Experiment.DeploymentMap)
		}
		t.AppendRow(table.Row{name, colorStatus(info.Status), nodes, info.Error})
	}
	fmt.Println(t.Render())
	return nil
}

var executorsHeader = table.Row{"Executor", "Node", "Prepared", "Result", "Error"}

func showExperiment(ctx *Context, api *client.Client, name string) error {
	info, err := api.ExperimentInfo(ctx, name)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", name, colorStatus(info.Status))
	if info.Error != "" {
		fmt.Printf("error: %s\n", info.Error)
	}
	if info.Experiment == nil {
		return nil
	}

	outcomes := make(map[string]string, len(info.ExecutionResult))
	for _, result := range info.ExecutionResult {
		outcomes[result.ExecutorID] = resultSummary(result)
	}

	t := table.NewWriter()
	t.AppendHeader(executorsHeader)
	for _, d := range info.Experiment.DeploymentMap {
		t.AppendRow(table.Row{
			d.ExecutorID, d.Node.Name, d.Prepared, outcomes[d.ExecutorID], d.Error,
		})
	}
	fmt.Println(t.Render())
	return nil
}

func colorStatus(status core.ExperimentStatus) string {
	s := status.String()
	switch status {
	case core.StatusPreparing:
		return color.YellowString(s)
	case core.StatusReady:
		return color.CyanString(s)
	case core.StatusRunning:
		return color.BlueString(s)
	case core.StatusFinished:
		return color.GreenString(s)
	default:
		return color.RedString(s)
	}
}

// resultSummary condenses a delivered execution report into one cell.
func resultSummary(result *core.DeploymentExecutionResult) string {
	report, err := result.Report()
	if err != nil {
		return color.RedString("undecodable report")
	}
	if report == nil {
		return ""
	}
	if report.Outcome.IsSuccess() {
		return color.GreenString("success")
	}
	return color.RedString("failure")
}

// newAPIClient resolves endpoint and credentials from flags, the
// environment and finally interactive prompts.
func newAPIClient(ctx *Context) (*client.Client, error) {
	endpoint, err := ctx.StringParam("endpoint")
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		endpoint = apiEndpoint(ctx)
	}

	username, err := ctx.StringParam("user")
	if err != nil {
		return nil, err
	}
	if username == "" {
		username = os.Getenv(build.EnvVar("USER"))
	}
	if username == "" {
		if username, err = promptLine("Username: "); err != nil {
			return nil, err
		}
	}
	if username == "" {
		return nil, fmt.Errorf("a username is required")
	}

	token, err := ctx.StringParam("token")
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = os.Getenv(build.EnvVar("TOKEN"))
	}
	if token == "" {
		if token, err = promptSecret("Access token: "); err != nil {
			return nil, err
		}
	}

	return client.New(endpoint, username, token), nil
}

// apiEndpoint derives the default endpoint from the server section of
// the configuration.
func apiEndpoint(ctx *Context) string {
	scheme := "http"
	if ctx.Config.Server.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, ctx.Config.Server.Addr())
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptSecret reads without echo when stdin is a terminal and falls
// back to a plain line read when it is not (pipes, CI).
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(prompt)
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
