package replay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"floatingspheres/broker/internal/simulation"
)

// Recorder adapts a Writer to the engine's command and frame hooks.
type Recorder struct {
	mu          sync.Mutex
	writer      *Writer
	now         func() time.Time
	frames      int64
	commands    int64
	bytes       int64
	failures    int64
	dumps       int64
	lastDump    time.Time
	lastDumpURI string
}

// Stats summarises recorder health for monitoring endpoints.
type Stats struct {
	Directory        string    `json:"directory"`
	FramesRecorded   int64     `json:"frames_recorded"`
	CommandsRecorded int64     `json:"commands_recorded"`
	BytesRecorded    int64     `json:"bytes_recorded"`
	WriteFailures    int64     `json:"write_failures"`
	Dumps            int64     `json:"dumps"`
	LastDumpURI      string    `json:"last_dump_uri,omitempty"`
	LastDumpTime     time.Time `json:"last_dump_time,omitempty"`
}

// NewRecorder wraps an open bundle writer.
func NewRecorder(writer *Writer, clock func() time.Time) (*Recorder, error) {
	if writer == nil {
		return nil, fmt.Errorf("replay writer must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{writer: writer, now: clock}, nil
}

// RecordCommand appends an applied command to the event log.
func (r *Recorder) RecordCommand(tick uint64, elapsed float64, cmd simulation.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	err = r.writer.AppendEvent(tick, elapsed, string(cmd.Kind), payload)
	r.mu.Lock()
	if err != nil {
		r.failures++
	} else {
		r.commands++
		r.bytes += int64(len(payload))
	}
	r.mu.Unlock()
	return err
}

// RecordFrame appends a frame without its neighbour buffers, which the
// verifier can always rebuild from body state.
func (r *Recorder) RecordFrame(frame simulation.Frame) error {
	payload := simulation.EncodeFrame(frame.WithoutNeighbors())
	err := r.writer.AppendFrame(frame.Tick, frame.Elapsed, payload)
	r.mu.Lock()
	if err != nil {
		r.failures++
	} else {
		r.frames++
		r.bytes += int64(len(payload))
	}
	r.mu.Unlock()
	return err
}

// Dump flushes the live bundle so it can be copied or verified immediately.
func (r *Recorder) Dump() (string, error) {
	if r == nil {
		return "", fmt.Errorf("recorder not configured")
	}
	if err := r.writer.Flush(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumps++
	r.lastDump = r.now().UTC()
	r.lastDumpURI = r.writer.Directory()
	return r.lastDumpURI, nil
}

// Close flushes and closes the underlying writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.writer.Close()
}

// Snapshot returns statistics describing the recorder state.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Directory:        r.writer.Directory(),
		FramesRecorded:   r.frames,
		CommandsRecorded: r.commands,
		BytesRecorded:    r.bytes,
		WriteFailures:    r.failures,
		Dumps:            r.dumps,
		LastDumpURI:      r.lastDumpURI,
		LastDumpTime:     r.lastDump,
	}
}
