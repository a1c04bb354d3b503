package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// EntryType distinguishes commands from frames on the replay timeline.
type EntryType string

const (
	EntryCommand EntryType = "command"
	EntryFrame   EntryType = "frame"
)

// TimelineEntry represents a single replay datum ready for deterministic iteration.
type TimelineEntry struct {
	Type       EntryType
	Tick       uint64
	Elapsed    float64
	CapturedAt time.Time
	// Kind carries the command type for command entries.
	Kind    string
	Payload []byte
}

// Loader rehydrates a replay bundle for inspection and verification.
type Loader struct {
	dir      string
	manifest Manifest
	header   Header
	entries  []TimelineEntry
}

// Load reads a bundle directory, or the manifest.json inside one.
func Load(path string) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}

	manifestBytes, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}
	header, err := ReadHeader(filepath.Join(dir, headerFile))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	//1.- Commands first so a stable sort keeps them ahead of frames of the same tick.
	commands, err := loadEvents(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	frames, err := loadFrames(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	entries := append(commands, frames...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Tick == entries[j].Tick {
			return entries[i].Type == EntryCommand && entries[j].Type == EntryFrame
		}
		return entries[i].Tick < entries[j].Tick
	})

	return &Loader{dir: dir, manifest: manifest, header: header, entries: entries}, nil
}

// Directory returns the bundle directory.
func (l *Loader) Directory() string { return l.dir }

// Manifest returns the bundle manifest.
func (l *Loader) Manifest() Manifest { return l.manifest }

// Header returns the bundle header.
func (l *Loader) Header() Header { return l.header }

// Replay iterates over the loaded entries in deterministic order.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries exposes a copy of the timeline for external assertions.
func (l *Loader) Entries() []TimelineEntry {
	if l == nil {
		return nil
	}
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Count reports how many commands and frames the bundle holds.
func (l *Loader) Count() (commands, frames int) {
	for _, entry := range l.entries {
		if entry.Type == EntryCommand {
			commands++
		} else {
			frames++
		}
	}
	return commands, frames
}

func loadEvents(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var entries []TimelineEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw eventRecord
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, raw.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse captured_at: %w", err)
		}
		entries = append(entries, TimelineEntry{
			Type:       EntryCommand,
			Tick:       raw.Tick,
			Elapsed:    raw.Elapsed,
			CapturedAt: captured,
			Kind:       raw.Type,
			Payload:    append([]byte(nil), raw.Payload...),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func loadFrames(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var entries []TimelineEntry
	offset := 0
	for offset < len(payload) {
		//1.- Read the fixed record header then the frame bytes it announces.
		if offset+frameRecordHeader > len(payload) {
			return nil, fmt.Errorf("frame record header truncated at offset %d", offset)
		}
		tick := binary.LittleEndian.Uint64(payload[offset:])
		elapsed := math.Float64frombits(binary.LittleEndian.Uint64(payload[offset+8:]))
		captured := int64(binary.LittleEndian.Uint64(payload[offset+16:]))
		size := int(binary.LittleEndian.Uint32(payload[offset+24:]))
		offset += frameRecordHeader
		if offset+size > len(payload) {
			return nil, fmt.Errorf("frame payload truncated at tick %d", tick)
		}
		entries = append(entries, TimelineEntry{
			Type:       EntryFrame,
			Tick:       tick,
			Elapsed:    elapsed,
			CapturedAt: time.Unix(0, captured).UTC(),
			Payload:    append([]byte(nil), payload[offset:offset+size]...),
		})
		offset += size
	}
	return entries, nil
}
