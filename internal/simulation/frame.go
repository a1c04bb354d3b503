package simulation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"floatingspheres/broker/internal/neighbors"
	"floatingspheres/broker/internal/physics"
)

// BodyFrame is the published state of one sphere.
type BodyFrame struct {
	Index           int
	Kind            Kind
	Position        mgl64.Vec3
	Velocity        mgl64.Vec3
	Rotation        mgl64.Quat
	Radius          float64
	Color           mgl32.Vec3
	Roughness       float32
	Semitransparent bool
	Colored         bool
}

// Frame is an immutable view of one tick. Every slice is owned by the frame.
type Frame struct {
	Tick         uint64
	Elapsed      float64
	Delta        float64
	PaletteIndex int
	Bodies       []BodyFrame
	// Order lists body indices from the farthest to the nearest to the camera.
	Order     []int
	Neighbors []neighbors.Buffer
}

// States converts the frame back into physics states for shading and packing.
func (f Frame) States() []physics.State {
	out := make([]physics.State, len(f.Bodies))
	for i, body := range f.Bodies {
		out[i] = physics.State{
			Index:    body.Index,
			Position: body.Position,
			Velocity: body.Velocity,
			Rotation: body.Rotation,
			Radius:   body.Radius,
			Appearance: physics.Appearance{
				Color:           body.Color,
				Roughness:       body.Roughness,
				Semitransparent: body.Semitransparent,
				Colored:         body.Colored,
			},
		}
	}
	return out
}

// WithoutNeighbors returns a shallow copy that drops the neighbour buffers.
func (f Frame) WithoutNeighbors() Frame {
	f.Neighbors = nil
	return f
}

// BackToFront orders body indices by descending squared distance to the eye,
// ties broken by index.
func BackToFront(states []physics.State, eye mgl64.Vec3) []int {
	order := make([]int, len(states))
	dist := make([]float64, len(states))
	for i, state := range states {
		order[i] = i
		delta := state.Position.Sub(eye)
		dist[i] = delta.Dot(delta)
	}
	sort.SliceStable(order, func(a, b int) bool {
		if dist[order[a]] == dist[order[b]] {
			return order[a] < order[b]
		}
		return dist[order[a]] > dist[order[b]]
	})
	return order
}

const (
	frameMagic   = "SPHF"
	frameVersion = 1

	flagNeighbors = 1 << 0

	bodyFlagSemitransparent = 1 << 0
	bodyFlagColored         = 1 << 1
)

// ErrFrameTruncated reports a payload that ended before the declared content.
var ErrFrameTruncated = errors.New("frame payload truncated")

// EncodeFrame serialises the frame in the little-endian wire layout shared by
// the websocket feed, the gRPC stream and the replay bundle.
func EncodeFrame(f Frame) []byte {
	out := make([]byte, 0, 64+len(f.Bodies)*128+len(f.Neighbors)*len(f.Bodies)*56)
	out = append(out, frameMagic...)
	out = append(out, frameVersion)
	var flags byte
	if len(f.Neighbors) > 0 {
		flags |= flagNeighbors
	}
	out = append(out, flags)
	out = binary.LittleEndian.AppendUint64(out, f.Tick)
	out = appendFloat64(out, f.Elapsed)
	out = appendFloat64(out, f.Delta)
	out = binary.LittleEndian.AppendUint16(out, uint16(f.PaletteIndex))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(f.Bodies)))

	//1.- Bodies in index order.
	for _, body := range f.Bodies {
		out = binary.LittleEndian.AppendUint16(out, uint16(body.Index))
		out = append(out, byte(body.Kind))
		var bodyFlags byte
		if body.Semitransparent {
			bodyFlags |= bodyFlagSemitransparent
		}
		if body.Colored {
			bodyFlags |= bodyFlagColored
		}
		out = append(out, bodyFlags)
		for _, v := range body.Position {
			out = appendFloat64(out, v)
		}
		for _, v := range body.Velocity {
			out = appendFloat64(out, v)
		}
		out = appendFloat64(out, body.Rotation.W)
		for _, v := range body.Rotation.V {
			out = appendFloat64(out, v)
		}
		out = appendFloat64(out, body.Radius)
		for _, v := range body.Color {
			out = appendFloat32(out, v)
		}
		out = appendFloat32(out, body.Roughness)
	}

	//2.- Draw order.
	out = binary.LittleEndian.AppendUint16(out, uint16(len(f.Order)))
	for _, idx := range f.Order {
		out = binary.LittleEndian.AppendUint16(out, uint16(idx))
	}

	//3.- Optional neighbour buffers in the uniform layout.
	if flags&flagNeighbors != 0 {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(f.Neighbors)))
		for _, buffer := range f.Neighbors {
			out = binary.LittleEndian.AppendUint16(out, uint16(buffer.Owner))
			out = binary.LittleEndian.AppendUint16(out, uint16(buffer.Count))
			out = binary.LittleEndian.AppendUint16(out, uint16(len(buffer.Entries)))
			for _, entry := range buffer.Entries {
				out = binary.LittleEndian.AppendUint32(out, uint32(int32(entry.Index)))
			}
			for _, v := range buffer.Float32s() {
				out = appendFloat32(out, v)
			}
		}
	}
	return out
}

// DecodeFrame parses a payload produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	r := &frameReader{data: data}
	if string(r.bytes(len(frameMagic))) != frameMagic {
		return Frame{}, fmt.Errorf("frame magic mismatch")
	}
	if version := r.u8(); version != frameVersion {
		if r.err != nil {
			return Frame{}, r.err
		}
		return Frame{}, fmt.Errorf("unsupported frame version %d", version)
	}
	flags := r.u8()
	var f Frame
	f.Tick = r.u64()
	f.Elapsed = r.f64()
	f.Delta = r.f64()
	f.PaletteIndex = int(r.u16())
	bodyCount := int(r.u16())
	if r.err != nil {
		return Frame{}, r.err
	}

	f.Bodies = make([]BodyFrame, 0, bodyCount)
	for i := 0; i < bodyCount && r.err == nil; i++ {
		var body BodyFrame
		body.Index = int(r.u16())
		body.Kind = Kind(r.u8())
		bodyFlags := r.u8()
		body.Semitransparent = bodyFlags&bodyFlagSemitransparent != 0
		body.Colored = bodyFlags&bodyFlagColored != 0
		for j := range body.Position {
			body.Position[j] = r.f64()
		}
		for j := range body.Velocity {
			body.Velocity[j] = r.f64()
		}
		body.Rotation.W = r.f64()
		for j := range body.Rotation.V {
			body.Rotation.V[j] = r.f64()
		}
		body.Radius = r.f64()
		for j := range body.Color {
			body.Color[j] = r.f32()
		}
		body.Roughness = r.f32()
		f.Bodies = append(f.Bodies, body)
	}

	orderCount := int(r.u16())
	f.Order = make([]int, 0, orderCount)
	for i := 0; i < orderCount && r.err == nil; i++ {
		f.Order = append(f.Order, int(r.u16()))
	}

	if flags&flagNeighbors != 0 {
		bufferCount := int(r.u16())
		f.Neighbors = make([]neighbors.Buffer, 0, bufferCount)
		for i := 0; i < bufferCount && r.err == nil; i++ {
			buffer := neighbors.Buffer{Owner: int(r.u16()), Count: int(r.u16())}
			entryCount := int(r.u16())
			buffer.Entries = make([]neighbors.Entry, entryCount)
			for j := range buffer.Entries {
				buffer.Entries[j].Index = int(int32(r.u32()))
			}
			for j := range buffer.Entries {
				entry := &buffer.Entries[j]
				for k := range entry.PositionRadius {
					entry.PositionRadius[k] = r.f32()
				}
				for k := range entry.Rotation {
					entry.Rotation[k] = r.f32()
				}
				for k := range entry.Color {
					entry.Color[k] = r.f32()
				}
				for k := range entry.TransparencyLuma {
					entry.TransparencyLuma[k] = r.f32()
				}
			}
			f.Neighbors = append(f.Neighbors, buffer)
		}
	}
	if r.err != nil {
		return Frame{}, r.err
	}
	if r.off != len(data) {
		return Frame{}, fmt.Errorf("frame payload has %d trailing bytes", len(data)-r.off)
	}
	return f, nil
}

func appendFloat64(out []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
}

func appendFloat32(out []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
}

// frameReader consumes little-endian values and latches the first error.
type frameReader struct {
	data []byte
	off  int
	err  error
}

func (r *frameReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = ErrFrameTruncated
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *frameReader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *frameReader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *frameReader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *frameReader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *frameReader) f64() float64 { return math.Float64frombits(r.u64()) }
