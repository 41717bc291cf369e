package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBackendDescriptor_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desc    BackendDescriptor
		wantErr string
	}{
		{
			name:    "missing id",
			desc:    BackendDescriptor{Transport: TransportStdio, Command: "mem"},
			wantErr: "id must not be empty",
		},
		{
			name:    "stdio without command",
			desc:    BackendDescriptor{ID: "mem", Transport: TransportStdio},
			wantErr: "requires a command",
		},
		{
			name:    "http without url",
			desc:    BackendDescriptor{ID: "gh", Transport: TransportHTTP},
			wantErr: "requires a url",
		},
		{
			name:    "unknown transport",
			desc:    BackendDescriptor{ID: "x", Transport: "carrier-pigeon"},
			wantErr: "unknown transport kind",
		},
		{
			name: "valid stdio",
			desc: BackendDescriptor{ID: "mem", Transport: TransportStdio, Command: "mem-server"},
		},
		{
			name: "valid http",
			desc: BackendDescriptor{ID: "gh", Transport: TransportHTTP, URL: "http://localhost:9000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.desc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToolFlags_IsEnabled(t *testing.T) {
	t.Parallel()

	var empty ToolFlags
	assert.True(t, empty.IsEnabled("anything"))

	flags := ToolFlags{Enabled: map[string]bool{"read_graph": false}}
	assert.False(t, flags.IsEnabled("read_graph"))
	assert.True(t, flags.IsEnabled("create_entities"))
}

func TestExpandWorkingDir(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/u/alice/proj/data", ExpandWorkingDir("{{working_dir}}/data", "/u/alice/proj"))
	assert.Equal(t, "unchanged", ExpandWorkingDir("unchanged", ""))
	assert.Equal(t, "no placeholder here", ExpandWorkingDir("no placeholder here", "/tmp"))
}

func TestConfig_Validate_IDMismatch(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Backends: map[string]BackendDescriptor{
			"mem": {ID: "memory", Transport: TransportStdio, Command: "mem-server"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match map key")
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	t.Parallel()

	doc := `
backends:
  mem:
    id: mem
    transport: stdio
    command: mem-server
    args: ["--data-dir", "{{working_dir}}"]
  gh:
    id: gh
    transport: http
    url: https://gh.example.com/mcp
    toolFlags:
      enabled:
        list_issues: false
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mem-server", cfg.Backends["mem"].Command)
	assert.False(t, cfg.Backends["gh"].ToolFlags.IsEnabled("list_issues"))
}
