package builtin_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5dlabs/toolman/pkg/backend"
	"github.com/5dlabs/toolman/pkg/builtin"
	"github.com/5dlabs/toolman/pkg/catalog"
)

func TestDescriptors_ArePrefixedUnderBuiltin(t *testing.T) {
	t.Parallel()
	for _, d := range builtin.Descriptors() {
		assert.Equal(t, builtin.BackendID, d.BackendID)
		assert.True(t, builtin.IsBuiltin(d.PrefixedName))
	}
	assert.False(t, builtin.IsBuiltin("mem_read_graph"))
}

func TestRegistry_SuggestToolsForTasks(t *testing.T) {
	t.Parallel()
	cat := catalog.New(nil)
	cat.ReplaceBackend("mem", []backend.Tool{
		{Name: "create_entities", Description: "Create new entities in the knowledge graph"},
		{Name: "read_graph", Description: "Read the entire knowledge graph"},
	})
	store := builtin.NewConfigStore(filepath.Join(t.TempDir(), "config.json"))
	reg := builtin.NewRegistry(cat, store)

	args, _ := json.Marshal(map[string]any{"task_descriptions": []string{"read the knowledge graph"}})
	out, err := reg.Invoke("suggest_tools_for_tasks", args)
	require.NoError(t, err)
	assert.Contains(t, out, "mem_read_graph")
}

func TestRegistry_EnableDisableSaveRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	cat := catalog.New(nil)
	store := builtin.NewConfigStore(path)
	reg := builtin.NewRegistry(cat, store)

	disableArgs, _ := json.Marshal(map[string]any{"server_name": "mem", "tool_name": "dangerous"})
	out, err := reg.Invoke("disable_tool", disableArgs)
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")
	assert.False(t, store.IsEnabled("mem", "dangerous"))

	out, err = reg.Invoke("save_config", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "saved")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mem_dangerous")

	reloaded := builtin.NewConfigStore(path)
	assert.False(t, reloaded.IsEnabled("mem", "dangerous"))
}

func TestRegistry_UnknownTool(t *testing.T) {
	t.Parallel()
	reg := builtin.NewRegistry(catalog.New(nil), builtin.NewConfigStore(filepath.Join(t.TempDir(), "c.json")))
	_, err := reg.Invoke("nope", nil)
	require.Error(t, err)
}
