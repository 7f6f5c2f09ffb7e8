// Package cli parses the coachdesk command line.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandServe   Command = "serve"
	CommandRelay   Command = "relay"
	CommandStatus  Command = "status"
	CommandStop    Command = "stop"
	CommandDevices Command = "devices"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandServe:   {},
	CommandRelay:   {},
	CommandStatus:  {},
	CommandStop:    {},
	CommandDevices: {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

type Parsed struct {
	Command    Command
	ConfigPath string
	// Addr overrides server.addr for serve and relay.
	Addr string
	// ViewID scopes stop to a single dashboard view.
	ViewID   string
	Debug    bool
	ShowHelp bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}
	var command string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--debug":
			parsed.Debug = true
		case "--config", "--addr", "--view":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return Parsed{}, fmt.Errorf("%s requires a value", arg)
			}
			switch arg {
			case "--config":
				parsed.ConfigPath = args[i]
			case "--addr":
				parsed.Addr = args[i]
			default:
				parsed.ViewID = args[i]
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}
			// Flags may follow the command; a second positional may not.
			if command != "" {
				return Parsed{}, fmt.Errorf("unexpected argument %q after command %q", arg, command)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
			command = arg
		}
	}

	if parsed.ViewID != "" && parsed.Command != CommandStop {
		return Parsed{}, errors.New("--view is only valid with stop")
	}
	if parsed.Addr != "" && parsed.Command != CommandServe && parsed.Command != CommandRelay {
		return Parsed{}, errors.New("--addr is only valid with serve or relay")
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [flags] <command>

Commands:
  serve     Run the supervisor dashboard server (websocket views, relay, metrics)
  relay     Run only the Gemini relay
  status    Print the state of every view on a running server
  stop      Stop listening on every view (or one view with --view)
  devices   List available input devices for server-side capture
  doctor    Run configuration and environment checks
  version   Print version information
  help      Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/coachdesk/config.jsonc)
  --addr ADDR     Listen address override for serve/relay
  --view ID       Target a single view for stop
  --debug         Enable debug logging
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
