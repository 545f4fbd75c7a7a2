package dispatch

import (
	"strings"

	"github.com/rexworks/cantina/internal/bus"
	"github.com/rexworks/cantina/internal/payload"
)

// RegisterDefaults installs the standard command surface: mode verbs, music
// control, eye control, DJ show control, and debug commands. Local built-ins
// (status) are registered separately by the composition root because they
// need access to the service table.
func (d *Dispatcher) RegisterDefaults() error {
	regs := []struct {
		command    string
		subcommand string
		topic      string
		help       string
		transform  Transform
	}{
		{"engage", "", bus.TopicModeRequest, "enter interactive (voice) mode", modeRequest("INTERACTIVE")},
		{"disengage", "", bus.TopicModeRequest, "leave interactive mode", modeRequest("AMBIENT")},
		{"ambient", "", bus.TopicModeRequest, "enter ambient show mode", modeRequest("AMBIENT")},
		{"reset", "", bus.TopicModeRequest, "return to idle", modeRequest("IDLE")},

		{"list", "music", bus.TopicMusicCommand, "list the music library", musicCommand("list")},
		{"play", "music", bus.TopicMusicCommand, "play a track by number or name", musicCommand("play")},
		{"stop", "music", bus.TopicMusicCommand, "stop music playback", musicCommand("stop")},
		{"pause", "music", bus.TopicMusicCommand, "pause music playback", musicCommand("pause")},
		{"resume", "music", bus.TopicMusicCommand, "resume music playback", musicCommand("resume")},

		{"eye", "pattern", bus.TopicEyeCommand, "set the eye LED pattern", eyeCommand("pattern")},
		{"eye", "test", bus.TopicEyeCommand, "run the eye LED test cycle", eyeCommand("test")},
		{"eye", "status", bus.TopicEyeCommand, "show eye controller status", eyeCommand("status")},

		{"dj", "start", bus.TopicDJCommand, "start the ambient DJ show", djCommand("start")},
		{"dj", "stop", bus.TopicDJCommand, "stop the ambient DJ show", djCommand("stop")},
		{"dj", "next", bus.TopicDJCommand, "skip to the next DJ set", djCommand("next")},

		{"debug", "level", bus.TopicDebugCommand, "set a component log level", debugCommand("level")},
		{"debug", "trace", bus.TopicDebugCommand, "toggle command tracing on|off", debugCommand("trace")},
		{"debug", "performance", bus.TopicDebugCommand, "show performance windows", debugCommand("performance")},
	}
	for _, r := range regs {
		if err := d.Register(r.command, r.subcommand, r.topic, r.help, r.transform); err != nil {
			return err
		}
	}
	return nil
}

// modeRequest builds a transform emitting a mode transition request.
func modeRequest(mode string) Transform {
	return func(payload.StandardCommand) any {
		return &payload.ModeRequest{Mode: mode}
	}
}

// musicCommand builds a transform emitting a music command. Remaining args
// form the track query.
func musicCommand(action string) Transform {
	return func(cmd payload.StandardCommand) any {
		return &payload.MusicCommand{
			Action:     action,
			TrackQuery: strings.Join(cmd.Args, " "),
		}
	}
}

// eyeCommand builds a transform emitting an eye LED command. The first arg,
// if present, is the pattern name.
func eyeCommand(action string) Transform {
	return func(cmd payload.StandardCommand) any {
		pl := &payload.EyeCommand{Action: action}
		if len(cmd.Args) > 0 {
			pl.Pattern = cmd.Args[0]
		}
		return pl
	}
}

// djCommand builds a transform emitting a DJ show control command.
func djCommand(action string) Transform {
	return func(cmd payload.StandardCommand) any {
		pl := &payload.DJCommand{Action: action}
		for _, a := range cmd.Args {
			if a == "auto" {
				pl.AutoTransition = true
			}
		}
		return pl
	}
}

// debugCommand builds a transform emitting a debug service command.
// `debug level <component> <LEVEL>` carries both fields; `debug trace on|off`
// and `debug performance show` carry the value only.
func debugCommand(action string) Transform {
	return func(cmd payload.StandardCommand) any {
		pl := &payload.DebugCommand{Action: action}
		switch action {
		case "level":
			if len(cmd.Args) > 0 {
				pl.Component = cmd.Args[0]
			}
			if len(cmd.Args) > 1 {
				pl.Value = cmd.Args[1]
			}
		default:
			if len(cmd.Args) > 0 {
				pl.Value = cmd.Args[0]
			}
		}
		return pl
	}
}
