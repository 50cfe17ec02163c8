// Package cmd defines the command line surface: the long-running
// server and agent processes, database migrations, and operator
// conveniences built on the API client.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/netmark-org/netmark/internal/config"
	"github.com/netmark-org/netmark/internal/logger"
)

// Context holds everything a command run needs: the cobra command,
// its flag set, the resolved configuration and a logger-carrying
// context.Context.
type Context struct {
	context.Context

	Command *cobra.Command
	Flags   []commandLineFlag
	Config  *config.Config
	Quiet   bool

	// LogLevel is the live knob behind the logger. The server command
	// hands it to the config watcher so log.level edits in the config
	// file apply without a restart.
	LogLevel *slog.LevelVar
}

// NewContext loads the configuration, builds the logger and wraps the
// command's context with it.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	bindFlags(cmd, flags...)

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet flag: %w", err)
	}

	var loaderOpts []config.LoaderOption

	// Use a custom config file if provided via the viper flag "config"
	if cfgPath := viper.GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}

	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Global.LogLevel)

	quiet = quiet || cfg.Global.Quiet

	opts := []logger.Option{logger.WithLevel(level)}
	if cfg.Global.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.Global.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.Global.LogFormat))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	// Log any warnings collected during configuration loading
	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context:  ctx,
		Command:  cmd,
		Flags:    flags,
		Config:   cfg,
		Quiet:    quiet,
		LogLevel: level,
	}, nil
}

// LogToWriter rebuilds the logger context with an extra writer. The
// agent uses it to copy its own log lines into the report tail it
// uploads with the results.
func (c *Context) LogToWriter(w io.Writer) {
	var opts []logger.Option
	if c.Config.Global.Debug {
		opts = append(opts, logger.WithDebug())
	} else {
		opts = append(opts, logger.WithLevel(c.LogLevel))
	}
	if c.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if c.Config.Global.LogFormat != "" {
		opts = append(opts, logger.WithFormat(c.Config.Global.LogFormat))
	}
	if w != nil {
		opts = append(opts, logger.WithWriter(w))
	}
	c.Context = logger.WithLogger(c.Context, logger.NewLogger(opts...))
}

// StringParam retrieves a string flag value.
func (c *Context) StringParam(name string) (string, error) {
	val, err := c.Command.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("failed to get flag %s: %w", name, err)
	}
	return val, nil
}

// BoolParam retrieves a bool flag value.
func (c *Context) BoolParam(name string) (bool, error) {
	val, err := c.Command.Flags().GetBool(name)
	if err != nil {
		return false, fmt.Errorf("failed to get flag %s: %w", name, err)
	}
	return val, nil
}

// NewCommand wires a cobra command to its run function through a
// fresh Context.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			fmt.Printf("Initialization error: %v\n", err)
			os.Exit(1)
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx.Context, "Command failed", "err", err)
			os.Exit(1)
		}
		return nil
	}

	return cmd
}
