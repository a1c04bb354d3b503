package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"floatingspheres/broker/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, record)
	}
	return out
}

func TestLoggerWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, InfoLevel).With(String("component", "engine"))

	logger.Debug("hidden")
	logger.Info("tick", Uint64("tick", 42), Float64("energy", 1.5))

	records := decodeLines(t, &buf)
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	record := records[0]
	if record["service"] != ServiceName || record["component"] != "engine" || record["level"] != "info" {
		t.Fatalf("unexpected record %#v", record)
	}
	if record["tick"].(float64) != 42 || record["energy"].(float64) != 1.5 {
		t.Fatalf("unexpected field values %#v", record)
	}
}

func TestLoggerSurvivesNonFiniteValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, DebugLevel)
	logger.Warn("diverged", Float64("energy", math.Inf(1)))

	records := decodeLines(t, &buf)
	if len(records) != 1 || records[0]["message"] != "diverged" || records[0]["log_error"] == nil {
		t.Fatalf("expected fallback record, got %#v", records)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"": InfoLevel, "DEBUG": DebugLevel, "warning": WarnLevel, "error": ErrorLevel}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestHTTPTraceMiddlewarePropagatesTraceID(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		if LoggerFromContext(r.Context()) == nil {
			t.Fatalf("expected logger in context")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "abc123" || rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("trace id not propagated: ctx=%q header=%q", seen, rec.Header().Get(TraceIDHeader))
	}
}

func TestWithTraceGeneratesIdentifier(t *testing.T) {
	ctx, logger, tid := WithTrace(context.Background(), nil, "")
	if len(tid) != 32 || TraceIDFromContext(ctx) != tid || logger == nil {
		t.Fatalf("unexpected generated trace %q", tid)
	}
}

func TestRotatingWriterRotatesAndCompresses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spheres.log")
	writer, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer writer.Close()

	//1.- Shrink the threshold so a handful of writes forces rotation.
	writer.maxSize = 16
	for i := 0; i < 3; i++ {
		if _, err := writer.Write([]byte("0123456789abcdef\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var rotated int
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".gz") {
			rotated++
		}
	}
	if rotated != 1 {
		t.Fatalf("expected exactly one retained compressed backup, got %d (%v)", rotated, entries)
	}
}
