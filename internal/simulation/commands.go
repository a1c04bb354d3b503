package simulation

import (
	"encoding/json"
	"fmt"
	"math"
)

// CommandKind names an operation clients may queue against the engine.
type CommandKind string

const (
	// CommandPointer moves, or with Active false removes, the pointer ray.
	CommandPointer CommandKind = "pointer"
	// CommandChangeColor advances the palette and kicks every body.
	CommandChangeColor CommandKind = "change_color"
	// CommandReset redraws every body from the seeded stream.
	CommandReset CommandKind = "reset"
	// CommandImpulse kicks every body without changing colours.
	CommandImpulse CommandKind = "impulse"
)

// Command is one queued client request. Pointer coordinates are normalized
// device coordinates in [-1, 1] with +Y up.
type Command struct {
	Kind     CommandKind `json:"type"`
	ClientID string      `json:"client_id,omitempty"`
	Sequence uint64      `json:"sequence,omitempty"`
	SentAtMs int64       `json:"sent_at_ms,omitempty"`
	X        float64     `json:"x,omitempty"`
	Y        float64     `json:"y,omitempty"`
	Active   bool        `json:"active,omitempty"`
}

// Validate rejects unknown kinds and unusable pointer coordinates.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandPointer:
		if !c.Active {
			return nil
		}
		if math.IsNaN(c.X) || math.IsNaN(c.Y) || math.IsInf(c.X, 0) || math.IsInf(c.Y, 0) {
			return fmt.Errorf("pointer coordinates must be finite")
		}
		return nil
	case CommandChangeColor, CommandReset, CommandImpulse:
		return nil
	case "":
		return fmt.Errorf("command type is required")
	default:
		return fmt.Errorf("unknown command type %q", c.Kind)
	}
}

// ParseCommand decodes and validates a JSON command message.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
