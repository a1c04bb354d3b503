package simulation

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Diagnostics summarises the shape and motion of the cluster for one frame.
type Diagnostics struct {
	Bodies           int     `json:"bodies"`
	MeanRadialDist   float64 `json:"mean_radial_distance"`
	StdRadialDist    float64 `json:"std_radial_distance"`
	MaxRadialDist    float64 `json:"max_radial_distance"`
	MeanSpeed        float64 `json:"mean_speed"`
	StdSpeed         float64 `json:"std_speed"`
	KineticEnergy    float64 `json:"kinetic_energy"`
	Tick             uint64  `json:"tick"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	NonFiniteBodies  int     `json:"non_finite_bodies"`
	TransparentCount int     `json:"transparent_bodies"`
}

// Diagnose computes cluster statistics. Mass is not carried by frames, so the
// kinetic energy is supplied by the engine.
func Diagnose(frame Frame, kineticEnergy float64) Diagnostics {
	d := Diagnostics{Bodies: len(frame.Bodies), KineticEnergy: kineticEnergy, Tick: frame.Tick, ElapsedSeconds: frame.Elapsed}
	if len(frame.Bodies) == 0 {
		return d
	}
	radial := make([]float64, 0, len(frame.Bodies))
	speeds := make([]float64, 0, len(frame.Bodies))
	for _, body := range frame.Bodies {
		if body.Semitransparent {
			d.TransparentCount++
		}
		r := body.Position.Len()
		s := body.Velocity.Len()
		if finite(r) && finite(s) {
			radial = append(radial, r)
			speeds = append(speeds, s)
			continue
		}
		d.NonFiniteBodies++
	}
	if len(radial) == 0 {
		return d
	}
	d.MeanRadialDist, d.StdRadialDist = stat.MeanStdDev(radial, nil)
	d.MeanSpeed, d.StdSpeed = stat.MeanStdDev(speeds, nil)
	d.MaxRadialDist = floats.Max(radial)
	//1.- A single sample has no spread.
	if len(radial) == 1 {
		d.StdRadialDist, d.StdSpeed = 0, 0
	}
	return d
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
