package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"runtime"
	"sort"
	"strconv"

	"github.com/netmark-org/netmark/internal/build"
)

// Environment definition type tags used in the serialized form.
const (
	EnvTypeShellExecution = "ShellExecution"
	EnvTypeDockerImage    = "DockerImage"
)

// EnvironmentDefinition describes how the executor environment for a
// deployment is created: either by running shell commands directly on
// the node or by building and running a container image.
type EnvironmentDefinition interface {
	// Type returns the serialization tag of the definition.
	Type() string

	// Hash returns a stable digest of everything that influences the
	// produced environment. Deployments with equal hashes (and equal
	// target architectures) share one compilation.
	Hash() string

	// EnvCommands exposes the setup command list for mutation during
	// deployment mapping, when per-task requirements are appended.
	EnvCommands() *[]string

	// Clone returns a deep copy so per-deployment mutation does not
	// leak into the user's template definition.
	Clone() EnvironmentDefinition
}

// RuntimeContext carries per-deployment runtime knobs interpreted by
// connectors: port mappings, environment variables and free-form
// runtime arguments.
type RuntimeContext struct {
	PortsMapping         map[int]int       `json:"ports_mapping"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
	AdditionalArguments  []string          `json:"additional_arguments"`
}

func (rc RuntimeContext) clone() RuntimeContext {
	out := RuntimeContext{
		PortsMapping:         make(map[int]int, len(rc.PortsMapping)),
		EnvironmentVariables: make(map[string]string, len(rc.EnvironmentVariables)),
		AdditionalArguments:  append([]string(nil), rc.AdditionalArguments...),
	}
	for k, v := range rc.PortsMapping {
		out.PortsMapping[k] = v
	}
	for k, v := range rc.EnvironmentVariables {
		out.EnvironmentVariables[k] = v
	}
	return out
}

func (rc RuntimeContext) hashInto(h *digest) {
	ports := make([]int, 0, len(rc.PortsMapping))
	for k := range rc.PortsMapping {
		ports = append(ports, k)
	}
	sort.Ints(ports)
	for _, k := range ports {
		h.write("port", strconv.Itoa(k), strconv.Itoa(rc.PortsMapping[k]))
	}
	envs := make([]string, 0, len(rc.EnvironmentVariables))
	for k := range rc.EnvironmentVariables {
		envs = append(envs, k)
	}
	sort.Strings(envs)
	for _, k := range envs {
		h.write("env", k, rc.EnvironmentVariables[k])
	}
	for _, arg := range rc.AdditionalArguments {
		h.write("arg", arg)
	}
}

// ShellExecution creates the environment by running the setup commands
// directly in the node shell. The executor binary is assumed present.
type ShellExecution struct {
	Commands       []string       `json:"commands"`
	RuntimeContext RuntimeContext `json:"runtime_context"`
}

// NewShellExecution returns a shell definition with the given setup
// commands.
func NewShellExecution(commands ...string) *ShellExecution {
	return &ShellExecution{Commands: commands}
}

func (s *ShellExecution) Type() string { return EnvTypeShellExecution }

func (s *ShellExecution) EnvCommands() *[]string { return &s.Commands }

func (s *ShellExecution) Hash() string {
	h := newDigest()
	h.write(EnvTypeShellExecution)
	for _, c := range s.Commands {
		h.write("cmd", c)
	}
	return h.sum()
}

func (s *ShellExecution) Clone() EnvironmentDefinition {
	return &ShellExecution{
		Commands:       append([]string(nil), s.Commands...),
		RuntimeContext: s.RuntimeContext.clone(),
	}
}

// BuildContext pins the toolchain used when an image is built for a
// deployment, so compilations for different executor versions do not
// collide.
type BuildContext struct {
	GoVersion       string `json:"go_version"`
	ExecutorVersion string `json:"executor_version"`
}

// NewBuildContext captures the current toolchain and executor version.
func NewBuildContext() BuildContext {
	return BuildContext{
		GoVersion:       runtime.Version(),
		ExecutorVersion: build.Version,
	}
}

// DockerImage creates the environment from a container image. When
// Image is empty the compilation pipeline builds one from the setup
// commands and the build context.
type DockerImage struct {
	Commands       []string       `json:"commands"`
	Image          string         `json:"image"`
	BuildContext   BuildContext   `json:"build_context"`
	RuntimeContext RuntimeContext `json:"runtime_context"`
}

// NewDockerImage returns a docker definition for a prebuilt image. Pass
// an empty image name to request a build from commands.
func NewDockerImage(image string) *DockerImage {
	return &DockerImage{Image: image, BuildContext: NewBuildContext()}
}

func (d *DockerImage) Type() string { return EnvTypeDockerImage }

func (d *DockerImage) EnvCommands() *[]string { return &d.Commands }

// Hash depends only on the image name when one is pinned; otherwise the
// build inputs decide. Two users pinning the same image share one
// compilation regardless of their command lists.
func (d *DockerImage) Hash() string {
	h := newDigest()
	h.write(EnvTypeDockerImage)
	if d.Image != "" {
		h.write("image", d.Image)
		return h.sum()
	}
	h.write("go", d.BuildContext.GoVersion)
	h.write("executor", d.BuildContext.ExecutorVersion)
	for _, c := range d.Commands {
		h.write("cmd", c)
	}
	return h.sum()
}

func (d *DockerImage) Clone() EnvironmentDefinition {
	return &DockerImage{
		Commands:       append([]string(nil), d.Commands...),
		Image:          d.Image,
		BuildContext:   d.BuildContext,
		RuntimeContext: d.RuntimeContext.clone(),
	}
}

// MarshalEnvironmentDefinition wraps a definition in its tagged
// envelope form for storage and transport.
func MarshalEnvironmentDefinition(def EnvironmentDefinition) ([]byte, error) {
	if def == nil {
		return nil, ErrNoEnvironmentDefinition
	}
	body, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("environment definition: %w", err)
	}
	return json.Marshal(map[string]any{
		"environment_definition_type": def.Type(),
		"environment_definition":      json.RawMessage(body),
	})
}

// UnmarshalEnvironmentDefinition decodes the tagged envelope produced
// by MarshalEnvironmentDefinition.
func UnmarshalEnvironmentDefinition(data []byte) (EnvironmentDefinition, error) {
	var envelope struct {
		Type string          `json:"environment_definition_type"`
		Body json.RawMessage `json:"environment_definition"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("environment definition: %w", err)
	}
	return decodeEnvironmentDefinition(envelope.Type, envelope.Body)
}

func decodeEnvironmentDefinition(typeTag string, body json.RawMessage) (EnvironmentDefinition, error) {
	switch typeTag {
	case EnvTypeShellExecution:
		var def ShellExecution
		if err := json.Unmarshal(body, &def); err != nil {
			return nil, fmt.Errorf("environment definition: %w", err)
		}
		return &def, nil
	case EnvTypeDockerImage:
		var def DockerImage
		if err := json.Unmarshal(body, &def); err != nil {
			return nil, fmt.Errorf("environment definition: %w", err)
		}
		return &def, nil
	default:
		return nil, fmt.Errorf("environment definition: %w: %q", ErrUnknownEnvironmentType, typeTag)
	}
}

// digest is a small helper that hashes length-prefixed fields so
// adjacent values cannot collide by concatenation.
type digest struct {
	h hash.Hash
}

func newDigest() *digest {
	return &digest{h: sha256.New()}
}

func (d *digest) write(fields ...string) {
	for _, f := range fields {
		_, _ = d.h.Write([]byte(strconv.Itoa(len(f))))
		_, _ = d.h.Write([]byte{':'})
		_, _ = d.h.Write([]byte(f))
	}
}

func (d *digest) sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
