// Package config defines the parsed-value configuration types the
// aggregator core consumes. The core never reads or writes a configuration
// file itself (spec.md §6): an external loader, out of scope for this
// repository, is responsible for turning a YAML/JSON document on disk into
// these structs. What lives here is the shape of that struct plus the
// small amount of logic (validation, working-directory templating) that is
// naturally part of the core rather than the loader.
package config

import (
	"fmt"
	"strings"
)

// TransportKind identifies how a backend is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// WorkingDirPlaceholder is the template token substituted with the caller's
// working directory both in backend spawn environments (by the pool, at
// startup) and in tool call arguments (by the dispatcher's context
// injection, per request).
const WorkingDirPlaceholder = "{{working_dir}}"

// ContextInjectionRule names an argument that should be populated (or
// overwritten) with the caller's working directory before a tools/call is
// forwarded to this backend.
type ContextInjectionRule struct {
	// ArgumentName is the key in the tool's arguments object to set.
	ArgumentName string `yaml:"argumentName" json:"argumentName"`
	// Tools restricts injection to specific original tool names; empty
	// means every tool on this backend receives it.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// ToolFlags are the static, per-tool enable flags from configuration
// (spec.md's "conservative choice": a static disabled flag is a hard mask
// even for a caller with a "*" filter).
type ToolFlags struct {
	// Enabled defaults to true when a tool has no explicit entry.
	Enabled map[string]bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether originalName is statically enabled. Absence
// from the map means enabled.
func (f ToolFlags) IsEnabled(originalName string) bool {
	if f.Enabled == nil {
		return true
	}
	v, ok := f.Enabled[originalName]
	if !ok {
		return true
	}
	return v
}

// BackendDescriptor is the static, configuration-supplied description of
// one backend MCP server (spec.md §3).
type BackendDescriptor struct {
	ID          string            `yaml:"id" json:"id"`
	DisplayName string            `yaml:"displayName" json:"displayName"`
	Transport   TransportKind     `yaml:"transport" json:"transport"`
	Local       bool              `yaml:"local,omitempty" json:"local,omitempty"`

	// LocalTools names the tools a "local" server declares at session-init
	// time (spec.md §3/§4.5). Only meaningful when Local is true; empty
	// means the server's own id is the only name it contributes to a
	// session's availableTools union.
	LocalTools []string `yaml:"localTools,omitempty" json:"localTools,omitempty"`

	// stdio transport parameters.
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string   `yaml:"workDir,omitempty" json:"workDir,omitempty"`

	// http/sse transport parameters.
	URL       string `yaml:"url,omitempty" json:"url,omitempty"`
	AuthToken string `yaml:"authToken,omitempty" json:"authToken,omitempty"`

	ToolFlags        ToolFlags              `yaml:"toolFlags,omitempty" json:"toolFlags,omitempty"`
	ContextInjection []ContextInjectionRule `yaml:"contextInjection,omitempty" json:"contextInjection,omitempty"`
}

// Validate checks structural invariants that a malformed configuration
// document would violate; it does not touch the filesystem or network.
func (b *BackendDescriptor) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("backend descriptor: id must not be empty")
	}
	switch b.Transport {
	case TransportStdio:
		if b.Command == "" {
			return fmt.Errorf("backend %q: stdio transport requires a command", b.ID)
		}
	case TransportHTTP, TransportSSE:
		if b.URL == "" {
			return fmt.Errorf("backend %q: %s transport requires a url", b.ID, b.Transport)
		}
	default:
		return fmt.Errorf("backend %q: unknown transport kind %q", b.ID, b.Transport)
	}
	return nil
}

// ExpandWorkingDir substitutes every occurrence of WorkingDirPlaceholder in
// s with workingDir. Used by the pool at spawn time for command/args/env,
// and is the same template syntax the dispatcher uses for per-request
// argument injection (spec.md §4.7).
func ExpandWorkingDir(s, workingDir string) string {
	if workingDir == "" {
		return s
	}
	return strings.ReplaceAll(s, WorkingDirPlaceholder, workingDir)
}

// Config is the full parsed configuration document: a map of backend id to
// descriptor, plus the sections the bridge (out of scope here) consumes.
type Config struct {
	Backends     map[string]BackendDescriptor `yaml:"backends" json:"backends"`
	LocalTools   []string                     `yaml:"localTools,omitempty" json:"localTools,omitempty"`
	LocalServers []BackendDescriptor          `yaml:"localServers,omitempty" json:"localServers,omitempty"`
}

// Validate validates every backend descriptor and checks id uniqueness
// (map keys already guarantee this, but descriptor.ID is checked against
// its own key to catch copy-paste configuration mistakes).
func (c *Config) Validate() error {
	for key, b := range c.Backends {
		if b.ID != "" && b.ID != key {
			return fmt.Errorf("backend %q: descriptor id %q does not match map key", key, b.ID)
		}
		bb := b
		bb.ID = key
		if err := bb.Validate(); err != nil {
			return err
		}
	}
	return nil
}
