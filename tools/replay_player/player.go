package replayplayer

import (
	"context"
	"encoding/json"
	"fmt"

	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/replay"
	"floatingspheres/broker/internal/simulation"
)

// CommandLine is one recorded command as shown to operators.
type CommandLine struct {
	Tick    uint64          `json:"tick"`
	Elapsed float64         `json:"elapsed"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Summary describes the content of a replay bundle.
type Summary struct {
	Directory string                 `json:"directory"`
	Manifest  replay.Manifest        `json:"manifest"`
	Seed      string                 `json:"seed"`
	Commands  []CommandLine          `json:"commands"`
	Frames    int                    `json:"frames"`
	FirstTick uint64                 `json:"first_tick"`
	LastTick  uint64                 `json:"last_tick"`
	Elapsed   float64                `json:"elapsed_seconds"`
	Final     simulation.Diagnostics `json:"final"`
	Palettes  []int                  `json:"palette_indices"`
	Report    *replay.Report         `json:"verification,omitempty"`
}

// Inspect loads a bundle and decodes every frame it holds.
func Inspect(path string) (Summary, *replay.Loader, error) {
	if path == "" {
		return Summary{}, nil, fmt.Errorf("path is required")
	}
	loader, err := replay.Load(path)
	if err != nil {
		return Summary{}, nil, err
	}
	summary := Summary{
		Directory: loader.Directory(),
		Manifest:  loader.Manifest(),
		Seed:      loader.Header().Seed,
	}
	var last simulation.Frame
	lastPalette := -1
	err = loader.Replay(func(entry replay.TimelineEntry) error {
		if entry.Type == replay.EntryCommand {
			summary.Commands = append(summary.Commands, CommandLine{
				Tick: entry.Tick, Elapsed: entry.Elapsed, Type: entry.Kind, Payload: entry.Payload,
			})
			return nil
		}
		//1.- Decode every frame so damaged payloads surface here rather than in a viewer.
		frame, err := simulation.DecodeFrame(entry.Payload)
		if err != nil {
			return fmt.Errorf("frame at tick %d: %w", entry.Tick, err)
		}
		if summary.Frames == 0 {
			summary.FirstTick = frame.Tick
		}
		summary.Frames++
		summary.LastTick = frame.Tick
		summary.Elapsed = frame.Elapsed
		if frame.PaletteIndex != lastPalette {
			summary.Palettes = append(summary.Palettes, frame.PaletteIndex)
			lastPalette = frame.PaletteIndex
		}
		last = frame
		return nil
	})
	if err != nil {
		return Summary{}, nil, err
	}
	summary.Final = simulation.Diagnose(last, 0)
	return summary, loader, nil
}

// InspectAndVerify loads a bundle and re-simulates it from its header.
func InspectAndVerify(ctx context.Context, path string, logger *logging.Logger) (Summary, error) {
	summary, loader, err := Inspect(path)
	if err != nil {
		return Summary{}, err
	}
	report, err := replay.Verify(ctx, loader, logger)
	if err != nil {
		return Summary{}, fmt.Errorf("verify: %w", err)
	}
	summary.Report = &report
	return summary, nil
}
