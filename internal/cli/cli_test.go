package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaultsToHelp(t *testing.T) {
	parsed, err := Parse(nil)
	require.NoError(t, err)
	require.True(t, parsed.ShowHelp)
	require.Equal(t, CommandHelp, parsed.Command)
}

func TestParseCommandWithConfig(t *testing.T) {
	parsed, err := Parse([]string{"--config", "/tmp/coachdesk.jsonc", "doctor"})
	require.NoError(t, err)
	require.Equal(t, CommandDoctor, parsed.Command)
	require.Equal(t, "/tmp/coachdesk.jsonc", parsed.ConfigPath)
	require.False(t, parsed.ShowHelp)
}

func TestParseArgMatrix(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantErr  string
		wantCmd  Command
		wantHelp bool
		wantPath string
	}{
		{
			name:     "help short flag",
			args:     []string{"-h"},
			wantCmd:  CommandHelp,
			wantHelp: true,
		},
		{
			name:     "help long flag",
			args:     []string{"--help"},
			wantCmd:  CommandHelp,
			wantHelp: true,
		},
		{
			name:     "version flag",
			args:     []string{"--version"},
			wantCmd:  CommandVersion,
			wantHelp: false,
		},
		{
			name:     "config after command",
			args:     []string{"status", "--config", "/tmp/cfg"},
			wantCmd:  CommandStatus,
			wantPath: "/tmp/cfg",
		},
		{
			name:    "missing config path",
			args:    []string{"--config"},
			wantErr: "requires a value",
		},
		{
			name:    "unknown flag",
			args:    []string{"--bogus"},
			wantErr: "unknown flag",
		},
		{
			name:    "unknown command",
			args:    []string{"bogus"},
			wantErr: "unknown command",
		},
		{
			name:    "extra args after command",
			args:    []string{"doctor", "extra"},
			wantErr: "unexpected argument \"extra\"",
		},
		{
			name:    "second command",
			args:    []string{"status", "stop"},
			wantErr: "unexpected argument",
		},
		{
			name:    "view after non-stop command",
			args:    []string{"status", "--view", "v-1"},
			wantErr: "--view is only valid",
		},
		{
			name:     "valid serve command",
			args:     []string{"serve"},
			wantCmd:  CommandServe,
			wantHelp: false,
		},
		{
			name:    "view flag outside stop",
			args:    []string{"--view", "v-1", "status"},
			wantErr: "--view is only valid",
		},
		{
			name:    "addr flag outside serve",
			args:    []string{"--addr", ":9000", "doctor"},
			wantErr: "--addr is only valid",
		},
		{
			name:     "valid stop with config",
			args:     []string{"--config", "/tmp/cfg", "stop"},
			wantCmd:  CommandStop,
			wantHelp: false,
			wantPath: "/tmp/cfg",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := Parse(tc.args)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.wantCmd, parsed.Command)
			require.Equal(t, tc.wantHelp, parsed.ShowHelp)
			require.Equal(t, tc.wantPath, parsed.ConfigPath)
		})
	}
}

func TestParseFlagsForServeAndStop(t *testing.T) {
	parsed, err := Parse([]string{"--debug", "--addr", "0.0.0.0:9000", "serve"})
	require.NoError(t, err)
	require.Equal(t, CommandServe, parsed.Command)
	require.Equal(t, "0.0.0.0:9000", parsed.Addr)
	require.True(t, parsed.Debug)

	parsed, err = Parse([]string{"--view", "v-3", "stop"})
	require.NoError(t, err)
	require.Equal(t, CommandStop, parsed.Command)
	require.Equal(t, "v-3", parsed.ViewID)
}

func TestParseFlagsAfterCommand(t *testing.T) {
	parsed, err := Parse([]string{"serve", "--addr", "127.0.0.1:0", "--debug"})
	require.NoError(t, err)
	require.Equal(t, CommandServe, parsed.Command)
	require.Equal(t, "127.0.0.1:0", parsed.Addr)
	require.True(t, parsed.Debug)

	parsed, err = Parse([]string{"--config", "/tmp/cfg", "relay", "--addr", ":9001"})
	require.NoError(t, err)
	require.Equal(t, CommandRelay, parsed.Command)
	require.Equal(t, ":9001", parsed.Addr)
	require.Equal(t, "/tmp/cfg", parsed.ConfigPath)

	parsed, err = Parse([]string{"stop", "--view", "v7"})
	require.NoError(t, err)
	require.Equal(t, CommandStop, parsed.Command)
	require.Equal(t, "v7", parsed.ViewID)

	_, err = Parse([]string{"stop", "--view"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires a value")
}

func TestHelpTextIncludesCoreCommands(t *testing.T) {
	text := HelpText("coachdesk")
	require.Contains(t, text, "serve")
	require.Contains(t, text, "relay")
	require.Contains(t, text, "stop")
	require.Contains(t, text, "doctor")
	require.Contains(t, text, "--config PATH")
	require.Contains(t, text, "--view ID")
}
