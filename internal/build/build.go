package build

import "strings"

var (
	Version = "dev"
	AppName = "Netmark"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}

// EnvVar returns the environment variable name for the given suffix,
// e.g. EnvVar("EXECUTOR_ID") -> "NETMARK_EXECUTOR_ID".
func EnvVar(suffix string) string {
	return strings.ToUpper(Slug) + "_" + suffix
}
