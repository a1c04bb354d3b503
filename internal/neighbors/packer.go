// Package neighbors packs, for every body, the distance-ordered attributes of
// the other bodies in the layout the shading stage expects.
package neighbors

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"floatingspheres/broker/internal/physics"
)

// FloatsPerEntry is the uniform footprint of one entry: vec4 + vec4 + vec3 + vec2.
const FloatsPerEntry = 13

// Entry carries one neighbour's shading attributes.
type Entry struct {
	// PositionRadius holds the centre in xyz and the radius in w. A zero radius
	// marks padding that shading skips.
	PositionRadius mgl32.Vec4
	// Rotation is the orientation quaternion as (x, y, z, w).
	Rotation mgl32.Vec4
	Color    mgl32.Vec3
	// TransparencyLuma holds 1 for semitransparent neighbours in x and the colour luma in y.
	TransparencyLuma mgl32.Vec2
	// Index identifies the neighbour in the body set, -1 for padding.
	Index int
}

// Padding reports whether the entry is an inert filler.
func (e Entry) Padding() bool { return e.PositionRadius.W() == 0 }

// Buffer is the packed neighbour list of one body.
type Buffer struct {
	Owner   int
	Count   int
	Entries []Entry
}

// Float32s flattens the buffer into the uniform array layout.
func (b Buffer) Float32s() []float32 {
	out := make([]float32, 0, len(b.Entries)*FloatsPerEntry)
	for _, e := range b.Entries {
		out = append(out, e.PositionRadius[:]...)
		out = append(out, e.Rotation[:]...)
		out = append(out, e.Color[:]...)
		out = append(out, e.TransparencyLuma[:]...)
	}
	return out
}

// Luma is the Rec. 601 luminance used to weight neighbour colours.
func Luma(c mgl32.Vec3) float32 {
	return 0.299*c.X() + 0.587*c.Y() + 0.114*c.Z()
}

// Packer builds neighbour buffers with a fixed capacity.
type Packer struct {
	capacity int
	order    []candidate
}

type candidate struct {
	index  int
	distSq float64
}

// NewPacker returns a packer. A capacity of zero or less means every other body.
func NewPacker(capacity int) *Packer {
	return &Packer{capacity: capacity}
}

// Capacity resolves the entry count for a set of n bodies.
func (p *Packer) Capacity(n int) int {
	if p.capacity > 0 {
		return p.capacity
	}
	if n <= 1 {
		return 0
	}
	return n - 1
}

// Pack produces one freshly allocated buffer per body.
func (p *Packer) Pack(states []physics.State) []Buffer {
	capacity := p.Capacity(len(states))
	entries := make([]Entry, len(states))
	for idx, state := range states {
		entries[idx] = entryFor(idx, state)
	}
	buffers := make([]Buffer, len(states))
	for owner := range states {
		buffers[owner] = p.packOne(owner, states, entries, capacity)
	}
	return buffers
}

func (p *Packer) packOne(owner int, states []physics.State, entries []Entry, capacity int) Buffer {
	//1.- Rank every other body by squared distance, ties broken by index.
	p.order = p.order[:0]
	origin := states[owner].Position
	for idx, state := range states {
		if idx == owner {
			continue
		}
		delta := state.Position.Sub(origin)
		p.order = append(p.order, candidate{index: idx, distSq: delta.Dot(delta)})
	}
	sort.SliceStable(p.order, func(i, j int) bool {
		if p.order[i].distSq == p.order[j].distSq {
			return p.order[i].index < p.order[j].index
		}
		return p.order[i].distSq < p.order[j].distSq
	})
	//2.- Copy the nearest entries and pad the remainder with inert fillers.
	buffer := Buffer{Owner: owner, Entries: make([]Entry, capacity)}
	for slot := range buffer.Entries {
		if slot < len(p.order) {
			buffer.Entries[slot] = entries[p.order[slot].index]
			buffer.Count++
			continue
		}
		buffer.Entries[slot] = Entry{Rotation: mgl32.Vec4{0, 0, 0, 1}, Index: -1}
	}
	return buffer
}

func entryFor(index int, state physics.State) Entry {
	look := state.Appearance
	var transparent float32
	if look.Semitransparent {
		transparent = 1
	}
	q := state.Rotation
	return Entry{
		PositionRadius: mgl32.Vec4{
			float32(state.Position.X()), float32(state.Position.Y()), float32(state.Position.Z()), float32(state.Radius),
		},
		Rotation:         mgl32.Vec4{float32(q.V.X()), float32(q.V.Y()), float32(q.V.Z()), float32(q.W)},
		Color:            look.Color,
		TransparencyLuma: mgl32.Vec2{transparent, Luma(look.Color)},
		Index:            index,
	}
}
