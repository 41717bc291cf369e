// Package builtin implements the small, fixed tool surface the aggregator
// serves in-process rather than forwarding to a backend (spec.md §4.7):
// tool suggestion, and enable/disable/save operations against per-caller
// configuration state. These tools appear in the catalog's tools/list
// response alongside backend tools but are never dispatched through the
// pool.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/5dlabs/toolman/pkg/catalog"
	"github.com/5dlabs/toolman/pkg/jsonrpc"
)

// BackendID is the synthetic backend identifier built-in tools are
// attributed to in the catalog, so prefixed names read naturally
// (builtin_suggest_tools_for_tasks). A real backend whose id is literally
// "builtin" shares this prefix; config validation does not reserve the id,
// so such names are told apart only by the catalog's collision suffixes.
const BackendID = "builtin"

// Descriptors returns the catalog.Tool records for the fixed built-in
// surface, pre-prefixed the same way catalog.ReplaceBackend would. The
// dispatcher appends these to every tools/list response unconditionally;
// they are not subject to the filter engine's header/session precedence
// since they are always part of the aggregator's own capability surface.
func Descriptors() []catalog.Tool {
	return []catalog.Tool{
		{
			PrefixedName: "builtin_suggest_tools_for_tasks",
			OriginalName: "suggest_tools_for_tasks",
			BackendID:    BackendID,
			Description:  "Rank currently registered tools by how well they match one or more task descriptions.",
			InputSchema:  jsonrpc.MustMarshal(suggestSchema),
			Enabled:      true,
		},
		{
			PrefixedName: "builtin_enable_tool",
			OriginalName: "enable_tool",
			BackendID:    BackendID,
			Description:  "Mark a backend's tool as enabled for this caller.",
			InputSchema:  jsonrpc.MustMarshal(toggleSchema),
			Enabled:      true,
		},
		{
			PrefixedName: "builtin_disable_tool",
			OriginalName: "disable_tool",
			BackendID:    BackendID,
			Description:  "Mark a backend's tool as disabled for this caller.",
			InputSchema:  jsonrpc.MustMarshal(toggleSchema),
			Enabled:      true,
		},
		{
			PrefixedName: "builtin_save_config",
			OriginalName: "save_config",
			BackendID:    BackendID,
			Description:  "Persist the caller's current enable/disable preferences to the on-disk config store.",
			InputSchema:  jsonrpc.MustMarshal(map[string]any{"type": "object", "properties": map[string]any{}}),
			Enabled:      true,
		},
	}
}

var suggestSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"task_descriptions": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []string{"task_descriptions"},
}

var toggleSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"server_name": map[string]any{"type": "string"},
		"tool_name":   map[string]any{"type": "string"},
	},
	"required": []string{"server_name", "tool_name"},
}

// IsBuiltin reports whether prefixedName belongs to the built-in surface.
func IsBuiltin(prefixedName string) bool {
	for _, d := range Descriptors() {
		if d.PrefixedName == prefixedName {
			return true
		}
	}
	return false
}

// Registry executes built-in tool invocations. It holds the catalog (read
// access, for suggestion and for validating enable/disable targets) and
// the per-caller ConfigStore collaborator (spec.md §6, §9: the core treats
// on-disk persistence as a collaborator's contract, not its own).
type Registry struct {
	catalog *catalog.Catalog
	store   *ConfigStore
}

// NewRegistry builds a Registry over cat and store.
func NewRegistry(cat *catalog.Catalog, store *ConfigStore) *Registry {
	return &Registry{catalog: cat, store: store}
}

type toggleArgs struct {
	ServerName string `json:"server_name"`
	ToolName   string `json:"tool_name"`
}

type suggestArgs struct {
	TaskDescriptions []string `json:"task_descriptions"`
}

// Invoke executes one built-in tool by its original (un-prefixed) name and
// returns its text result, matching the text-result contract spec.md §6
// describes for every built-in.
func (r *Registry) Invoke(originalName string, rawArgs json.RawMessage) (string, error) {
	switch originalName {
	case "suggest_tools_for_tasks":
		var args suggestArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return "", jsonrpc.Wrap(jsonrpc.KindInvalidParams, "suggest_tools_for_tasks requires task_descriptions", err)
		}
		return SuggestToolsForTasks(r.catalog.Iter(), args.TaskDescriptions), nil

	case "enable_tool":
		var args toggleArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return "", jsonrpc.Wrap(jsonrpc.KindInvalidParams, "enable_tool requires server_name and tool_name", err)
		}
		r.store.SetEnabled(args.ServerName, args.ToolName, true)
		return fmt.Sprintf("enabled %s_%s", args.ServerName, args.ToolName), nil

	case "disable_tool":
		var args toggleArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return "", jsonrpc.Wrap(jsonrpc.KindInvalidParams, "disable_tool requires server_name and tool_name", err)
		}
		r.store.SetEnabled(args.ServerName, args.ToolName, false)
		return fmt.Sprintf("disabled %s_%s", args.ServerName, args.ToolName), nil

	case "save_config":
		if err := r.store.Save(); err != nil {
			return "", jsonrpc.Wrap(jsonrpc.KindConfigError, "failed to save config", err)
		}
		return "configuration saved", nil

	default:
		return "", jsonrpc.NewLocalError(jsonrpc.KindToolNotFound, "unknown built-in tool: "+originalName)
	}
}
