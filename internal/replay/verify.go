package replay

import (
	"bytes"
	"context"
	"fmt"

	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/simulation"
)

// Report summarises a re-simulation of a bundle.
type Report struct {
	Seed              string  `json:"seed"`
	Commands          int     `json:"commands"`
	Frames            int     `json:"frames"`
	Mismatches        int     `json:"mismatches"`
	FirstMismatchTick uint64  `json:"first_mismatch_tick,omitempty"`
	MaxPositionError  float64 `json:"max_position_error"`
}

// Deterministic reports whether every recorded frame was reproduced bit for bit.
func (r Report) Deterministic() bool { return r.Frames > 0 && r.Mismatches == 0 }

// Verify rebuilds the engine from the bundle header, feeds it the recorded
// commands and compares every produced frame against the recording.
func Verify(ctx context.Context, loader *Loader, logger *logging.Logger) (Report, error) {
	if loader == nil {
		return Report{}, fmt.Errorf("loader not initialised")
	}
	if logger == nil {
		logger = logging.L()
	}
	header := loader.Header()
	scene, err := header.SceneConfig()
	if err != nil {
		return Report{}, err
	}
	engine, err := simulation.NewEngine(scene, header.Seed,
		simulation.WithLogger(logger),
		simulation.WithNeighbors(false),
		simulation.WithAspect(header.Aspect),
	)
	if err != nil {
		return Report{}, fmt.Errorf("rebuild engine: %w", err)
	}

	report := Report{Seed: header.Seed}
	err = loader.Replay(func(entry TimelineEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch entry.Type {
		case EntryCommand:
			cmd, err := simulation.ParseCommand(entry.Payload)
			if err != nil {
				return fmt.Errorf("command at tick %d: %w", entry.Tick, err)
			}
			report.Commands++
			return engine.Submit(cmd)
		case EntryFrame:
			recorded, err := simulation.DecodeFrame(entry.Payload)
			if err != nil {
				return fmt.Errorf("frame at tick %d: %w", entry.Tick, err)
			}
			//1.- Step with the recorded delta so the clock matches the original run.
			produced := engine.Tick(recorded.Delta)
			report.Frames++
			report.observe(recorded, produced, entry.Payload)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	if report.Mismatches > 0 {
		logger.Warn("replay diverged",
			logging.String("bundle", loader.Directory()),
			logging.Int("mismatches", report.Mismatches),
			logging.Uint64("first_tick", report.FirstMismatchTick),
			logging.Float64("max_position_error", report.MaxPositionError),
		)
	}
	return report, nil
}

func (r *Report) observe(recorded, produced simulation.Frame, payload []byte) {
	if produced.Tick == recorded.Tick && bytes.Equal(simulation.EncodeFrame(produced.WithoutNeighbors()), payload) {
		return
	}
	if r.Mismatches == 0 {
		r.FirstMismatchTick = recorded.Tick
	}
	r.Mismatches++
	if len(produced.Bodies) != len(recorded.Bodies) {
		return
	}
	for i := range recorded.Bodies {
		if delta := produced.Bodies[i].Position.Sub(recorded.Bodies[i].Position).Len(); delta > r.MaxPositionError {
			r.MaxPositionError = delta
		}
	}
}
