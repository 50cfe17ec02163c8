package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	required                             bool
	isBool                               bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default is $XDG_CONFIG_HOME/netmark/config.yaml)",
	}
	quietFlag = commandLineFlag{
		name:      "quiet",
		shorthand: "q",
		usage:     "suppress console log output",
		isBool:    true,
	}
	hostFlag = commandLineFlag{
		name:      "host",
		shorthand: "s",
		usage:     "server bind host",
	}
	portFlag = commandLineFlag{
		name:      "port",
		shorthand: "p",
		usage:     "server bind port",
	}
	devFlag = commandLineFlag{
		name:   "dev",
		usage:  "run on in-memory storage and blackboard; nothing survives a restart",
		isBool: true,
	}
	endpointFlag = commandLineFlag{
		name:      "endpoint",
		shorthand: "e",
		usage:     "API endpoint (default is the configured server address)",
	}
	userFlag = commandLineFlag{
		name:      "user",
		shorthand: "u",
		usage:     "username (default is $NETMARK_USER, prompted otherwise)",
	}
	tokenFlag = commandLineFlag{
		name:  "token",
		usage: "access token (default is $NETMARK_TOKEN, prompted otherwise)",
	}
)

// initFlags registers the command's flags. Every command carries the
// config and quiet flags.
func initFlags(cmd *cobra.Command, addFlags ...commandLineFlag) {
	flags := append([]commandLineFlag{configFlag, quietFlag}, addFlags...)
	for _, flag := range flags {
		if flag.isBool {
			cmd.Flags().BoolP(flag.name, flag.shorthand, flag.defaultValue == "true", flag.usage)
		} else {
			cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		}
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}

func bindFlags(cmd *cobra.Command, addFlags ...commandLineFlag) {
	flags := append([]commandLineFlag{configFlag}, addFlags...)
	for _, flag := range flags {
		if err := viper.BindPFlag(flag.name, cmd.Flags().Lookup(flag.name)); err != nil {
			fmt.Printf("failed to bind flag %s: %v\n", flag.name, err)
		}
	}
}
