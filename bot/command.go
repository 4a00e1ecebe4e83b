package bot

import "strings"

type Command int

const (
	Unknown Command = iota
	Start
	Stop
	Events
	Count
	Help
)

var commandNames = map[string]Command{
	"/start":  Start,
	"/stop":   Stop,
	"/events": Events,
	"/count":  Count,
	"/help":   Help,
}

func (c Command) String() string {
	for name, cmd := range commandNames {
		if cmd == c {
			return name
		}
	}
	return "unknown"
}

// ParseCommand maps message text to a command. A "@botname" suffix and any
// payload after the command word are ignored.
func ParseCommand(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Unknown
	}
	word := fields[0]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if cmd, ok := commandNames[strings.ToLower(word)]; ok {
		return cmd
	}
	return Unknown
}
