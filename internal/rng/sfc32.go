package rng

import (
	"golang.org/x/exp/rand"
)

// Seed state constants used before the seed string is folded in.
const (
	seedA uint32 = 1779033703
	seedB uint32 = 3144134277
	seedC uint32 = 1013904242
	seedD uint32 = 2773480762
)

// SFC32 is a small fast counting generator seeded from a string so scenes can be
// reproduced from a human readable seed.
type SFC32 struct {
	a, b, c, d uint32
	seed       string
}

// New hashes the seed string into the generator state.
func New(seed string) *SFC32 {
	s := &SFC32{}
	s.reseed(seed)
	return s
}

func (s *SFC32) reseed(seed string) {
	//1.- Start from the fixed constants so equal seeds always land on equal states.
	a, b, c, d := seedA, seedB, seedC, seedD
	//2.- Fold every UTF-16 code unit into the four lanes with the multiplicative mix.
	for _, code := range utf16Units(seed) {
		a = b ^ ((a ^ code) * 597399067)
		b = c ^ ((b ^ code) * 2869860233)
		c = d ^ ((c ^ code) * 951274213)
		d = a ^ ((d ^ code) * 2716044179)
	}
	s.a, s.b, s.c, s.d = a, b, c, d
	s.seed = seed
}

// SeedString reports the string the generator was seeded with.
func (s *SFC32) SeedString() string {
	if s == nil {
		return ""
	}
	return s.seed
}

// Next advances the generator and returns the raw 32-bit output.
func (s *SFC32) Next() uint32 {
	t := s.a + s.b + s.d
	s.d++
	s.a = s.b ^ (s.b >> 9)
	s.b = s.c + (s.c << 3)
	s.c = ((s.c << 21) | (s.c >> 11)) + t
	return t
}

// Float64 returns a value in [0, 1) with 32 bits of resolution.
func (s *SFC32) Float64() float64 {
	return float64(s.Next()) / 4294967296.0
}

// Uint64 combines two outputs so SFC32 can back a rand.Rand.
func (s *SFC32) Uint64() uint64 {
	hi := uint64(s.Next())
	lo := uint64(s.Next())
	return hi<<32 | lo
}

// Seed reseeds from the decimal rendering of the numeric seed.
func (s *SFC32) Seed(seed uint64) {
	s.reseed(formatUint(seed))
}

// Rand wraps the generator for callers that need the richer rand API.
func (s *SFC32) Rand() *rand.Rand {
	return rand.New(s)
}

var _ rand.Source = (*SFC32)(nil)

func utf16Units(seed string) []uint32 {
	units := make([]uint32, 0, len(seed))
	for _, r := range seed {
		if r >= 0x10000 {
			r -= 0x10000
			units = append(units, uint32(0xD800+(r>>10)), uint32(0xDC00+(r&0x3FF)))
			continue
		}
		units = append(units, uint32(r))
	}
	return units
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
