// Package command parses inbound SMS text into typed commands.
package command

import "strings"

// Command is a recognized SMS intent.
type Command int

const (
	// Unrecognized is any text that does not match the vocabulary.
	Unrecognized Command = iota
	// OpenDoor requests a door actuation.
	OpenDoor
	// QueryStatus requests a read-only status report.
	QueryStatus
)

// String returns the command name for logging.
func (c Command) String() string {
	switch c {
	case OpenDoor:
		return "open_door"
	case QueryStatus:
		return "query_status"
	default:
		return "unrecognized"
	}
}

// Parse maps free-form SMS text to a Command. It is total: every input,
// including the empty string, yields exactly one Command. Matching is
// case-insensitive after trimming surrounding whitespace, and accepts a
// prefix so "door please" still opens the door.
func Parse(text string) Command {
	normalized := strings.ToLower(strings.TrimSpace(text))

	switch {
	case strings.HasPrefix(normalized, "door"):
		return OpenDoor
	case strings.HasPrefix(normalized, "status"):
		return QueryStatus
	default:
		return Unrecognized
	}
}
