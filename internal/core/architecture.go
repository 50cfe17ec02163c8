package core

import (
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Architecture identifies the platform an executor binary or image must be
// built for. Only the platforms the compiler supports are distinguished;
// everything else collapses into ArchitectureUnknown.
type Architecture string

const (
	ArchitectureLinuxAMD64 Architecture = "linux/amd64"
	ArchitectureLinuxARM64 Architecture = "linux/arm64"
	ArchitectureUnknown    Architecture = "unknown"
)

// ParseArchitecture normalizes an OS/arch pair into an Architecture.
// Aliases such as "aarch64" and "x86_64" are resolved through the
// containerd platform normalizer.
func ParseArchitecture(osName, arch string) Architecture {
	p := platforms.Normalize(ocispec.Platform{OS: osName, Architecture: arch})
	switch {
	case p.OS == "linux" && p.Architecture == "amd64":
		return ArchitectureLinuxAMD64
	case p.OS == "linux" && p.Architecture == "arm64":
		return ArchitectureLinuxARM64
	default:
		return ArchitectureUnknown
	}
}

// ParsePlatform normalizes a platform specifier string such as
// "linux/amd64" into an Architecture.
func ParsePlatform(specifier string) Architecture {
	p, err := platforms.Parse(specifier)
	if err != nil {
		return ArchitectureUnknown
	}
	return ParseArchitecture(p.OS, p.Architecture)
}

// String implements fmt.Stringer.
func (a Architecture) String() string {
	return string(a)
}

// Valid reports whether the value is one of the known architectures.
func (a Architecture) Valid() bool {
	switch a {
	case ArchitectureLinuxAMD64, ArchitectureLinuxARM64, ArchitectureUnknown:
		return true
	default:
		return false
	}
}
