package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var bundleIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	frameInterval = 200 * time.Millisecond

	eventsFile   = "events.jsonl.sz"
	framesFile   = "frames.bin.zst"
	manifestFile = "manifest.json"
	headerFile   = "header.json"

	// frameRecordHeader is tick, elapsed seconds, capture time and payload length.
	frameRecordHeader = 8 + 8 + 8 + 4
)

// frameBlob stores frame metadata before it is persisted to disk.
type frameBlob struct {
	Tick       uint64
	Elapsed    float64
	CapturedAt time.Time
	Payload    []byte
}

// Writer streams commands and frames into a replay bundle directory. Every
// flush leaves both streams readable, so a live bundle can be copied or
// verified while the writer keeps appending.
type Writer struct {
	mu           sync.Mutex
	dir          string
	now          func() time.Time
	eventFile    *os.File
	eventStream  *snappy.Writer
	frameFile    *os.File
	frameEncoder *zstd.Encoder
	pending      []frameBlob
	batch        []byte
	lastFlush    time.Time
	header       Header
	closed       bool
}

// Manifest describes the replay bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// NewWriter prepares the bundle directory and opens the compressed sinks.
func NewWriter(root, bundleID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := bundleIDCleaner.ReplaceAllString(bundleID, "")
	if cleaned == "" {
		cleaned = "spheres"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, eventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	frameFile, err := os.Create(filepath.Join(path, framesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	//1.- The encoder only compresses whole batches, each into its own zstd frame.
	frameEncoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(frameInterval / time.Millisecond),
		EventsPath:      eventsFile,
		FramesPath:      framesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, manifestFile), data, 0o644)
	}
	if err != nil {
		frameEncoder.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:          path,
		now:          clock,
		eventFile:    eventFile,
		eventStream:  eventStream,
		frameFile:    frameFile,
		frameEncoder: frameEncoder,
		header:       Header{SchemaVersion: HeaderSchemaVersion, CreatedAt: manifest.CreatedAt, FilePointer: manifestFile},
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the replay bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes a single JSON line to the compressed event log.
func (w *Writer) AppendEvent(tick uint64, elapsed float64, eventType string, payload json.RawMessage) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("replay writer closed")
	}

	//1.- Each line is self-describing so streaming parsers never need the manifest.
	record := eventRecord{
		Tick:       tick,
		Elapsed:    elapsed,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Type:       eventType,
		Payload:    payload,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendFrame buffers a binary frame until the 5 Hz cadence is reached.
func (w *Writer) AppendFrame(tick uint64, elapsed float64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("replay writer closed")
	}

	w.pending = append(w.pending, frameBlob{Tick: tick, Elapsed: elapsed, CapturedAt: captured, Payload: clone})
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= frameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// SetHeaderMetadata records what a verifier needs to rebuild the run.
func (w *Writer) SetHeaderMetadata(seed string, sceneYAML []byte, aspect, tickHz float64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.header.Seed = seed
	w.header.Scene = string(sceneYAML)
	w.header.Aspect = aspect
	w.header.TickHz = tickHz
	w.mu.Unlock()
}

// Flush forces pending frames to disk and refreshes the header.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("replay writer closed")
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return WriteHeader(filepath.Join(w.dir, headerFile), w.header)
}

// Close synchronously flushes all buffers and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every flush and close, surfacing the first failure.
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(WriteHeader(filepath.Join(w.dir, headerFile), w.header))
	keep(w.flushLocked())
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameEncoder.Close())
	keep(w.frameFile.Close())
	return firstErr
}

// flushLocked compresses buffered frames into one zstd frame; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	w.batch = w.batch[:0]
	for _, frame := range w.pending {
		w.batch = binary.LittleEndian.AppendUint64(w.batch, frame.Tick)
		w.batch = binary.LittleEndian.AppendUint64(w.batch, math.Float64bits(frame.Elapsed))
		w.batch = binary.LittleEndian.AppendUint64(w.batch, uint64(frame.CapturedAt.UnixNano()))
		w.batch = binary.LittleEndian.AppendUint32(w.batch, uint32(len(frame.Payload)))
		w.batch = append(w.batch, frame.Payload...)
	}
	if _, err := w.frameFile.Write(w.frameEncoder.EncodeAll(w.batch, nil)); err != nil {
		return err
	}
	w.pending = w.pending[:0]
	return nil
}

type eventRecord struct {
	Tick       uint64          `json:"tick"`
	Elapsed    float64         `json:"elapsed"`
	CapturedAt string          `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}
