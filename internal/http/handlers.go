package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"image/png"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"floatingspheres/broker/internal/auth"
	"floatingspheres/broker/internal/input"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/networking"
	"floatingspheres/broker/internal/physics"
	"floatingspheres/broker/internal/replay"
	"floatingspheres/broker/internal/shading"
	"floatingspheres/broker/internal/simulation"
)

const (
	defaultRenderWidth  = 320
	defaultRenderHeight = 200
	maxRenderEdge       = 1024
	minRenderEdge       = 16
)

// ReadinessProvider exposes service state required for readiness checks.
type ReadinessProvider interface {
	Clients() int
	StartupError() error
	Uptime() time.Duration
}

// FrameSource exposes the most recent simulation output.
type FrameSource interface {
	Latest() simulation.Frame
	Camera() physics.Camera
	Diagnostics() simulation.Diagnostics
}

// ReplayDumper triggers a replay dump and optionally returns the artifact location.
type ReplayDumper interface {
	DumpReplay(ctx context.Context) (string, error)
}

// ReplayDumperFunc adapts a function into a ReplayDumper.
type ReplayDumperFunc func(ctx context.Context) (string, error)

// DumpReplay implements ReplayDumper.
func (f ReplayDumperFunc) DumpReplay(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

type retryAdvisor interface {
	RetryAfter() time.Duration
}

// RendererFactory builds a renderer for one requested image size.
type RendererFactory func(width, height int) *shading.Renderer

// StreamStats reports gRPC frame stream fan-out counters.
type StreamStats func() (subscribers int, dropped uint64)

// SessionIssuer mints and renews viewer session tokens.
type SessionIssuer interface {
	Issue(subject string) (string, auth.Session, error)
	Verify(token string) (auth.Session, error)
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Frames       FrameSource
	HubStats     func() networking.HubStats
	Bandwidth    *networking.BandwidthRegulator
	Gate         *input.Gate
	Validator    *input.Validator
	Ticks        *simulation.TickMonitor
	StreamStats  StreamStats
	EventRecords func() int
	Replay       ReplayDumper
	ReplayStats  func() replay.Stats
	StorageStats func() replay.StorageStats
	Renderer     RendererFactory
	Sessions     SessionIssuer
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the service operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	frames       FrameSource
	hubStats     func() networking.HubStats
	bandwidth    *networking.BandwidthRegulator
	gate         *input.Gate
	validator    *input.Validator
	ticks        *simulation.TickMonitor
	streamStats  StreamStats
	eventRecords func() int
	replay       ReplayDumper
	replayStats  func() replay.Stats
	storageStats func() replay.StorageStats
	renderer     RendererFactory
	sessions     SessionIssuer
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		frames:       opts.Frames,
		hubStats:     opts.HubStats,
		bandwidth:    opts.Bandwidth,
		gate:         opts.Gate,
		validator:    opts.Validator,
		ticks:        opts.Ticks,
		streamStats:  opts.StreamStats,
		eventRecords: opts.EventRecords,
		replay:       opts.Replay,
		replayStats:  opts.ReplayStats,
		storageStats: opts.StorageStats,
		renderer:     opts.Renderer,
		sessions:     opts.Sessions,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/replay/dump", h.ReplayDumpHandler())
	mux.HandleFunc("/api/snapshot", h.SnapshotHandler())
	mux.HandleFunc("/api/diagnostics", h.DiagnosticsHandler())
	mux.HandleFunc("/api/render.png", h.RenderHandler())
	if h.sessions != nil {
		mux.HandleFunc("/api/session", h.SessionHandler())
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including client counts, startup
// status and whether the latest frame is numerically sound.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Tick          uint64  `json:"tick"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients = h.readiness.Clients()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		if h.frames != nil && status == http.StatusOK {
			diag := h.frames.Diagnostics()
			resp.Tick = diag.Tick
			if diag.NonFiniteBodies > 0 {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = fmt.Sprintf("%d bodies hold non-finite state", diag.NonFiniteBodies)
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := metricWriter{w: w}

		if h.readiness != nil {
			m.gauge("spheres_uptime_seconds", "Service uptime in seconds.", fmt.Sprintf("%.0f", h.readiness.Uptime().Seconds()))
		}
		if h.hubStats != nil {
			stats := h.hubStats()
			m.gauge("spheres_clients", "Current connected WebSocket clients.", strconv.Itoa(stats.Clients))
			m.counter("spheres_broadcasts_total", "Frames handed to the WebSocket hub.", strconv.FormatUint(stats.Broadcasts, 10))
			m.counter("spheres_frames_sent_total", "Frames queued to individual WebSocket clients.", strconv.FormatUint(stats.FramesSent, 10))
			m.counter("spheres_commands_total", "Commands accepted from WebSocket clients.", strconv.FormatUint(stats.Commands, 10))
			m.counter("spheres_commands_rejected_total", "Commands rejected by validation or gating.", strconv.FormatUint(stats.Rejected, 10))
			if len(stats.Drops) > 0 {
				m.header("spheres_frame_drops_total", "Frames not delivered per reason.", "counter")
				for _, reason := range sortedKeys(stats.Drops) {
					m.sample("spheres_frame_drops_total", fmt.Sprintf("reason=%q", reason), strconv.FormatUint(stats.Drops[reason], 10))
				}
			}
			m.counter("spheres_bandwidth_sent_bytes_total", "Frame bytes admitted by the bandwidth regulator.", strconv.FormatInt(stats.Bandwidth.SentBytes, 10))
		}
		if h.bandwidth != nil {
			if usage := h.bandwidth.SnapshotUsage(); len(usage) > 0 {
				clients := sortedKeys(usage)
				m.header("spheres_bandwidth_bytes_per_second", "Observed outbound bandwidth per client in bytes per second.", "gauge")
				for _, id := range clients {
					m.sample("spheres_bandwidth_bytes_per_second", fmt.Sprintf("client=%q", id), fmt.Sprintf("%.2f", usage[id].BytesPerSecond))
				}
				m.header("spheres_bandwidth_available_bytes", "Remaining bandwidth tokens per client.", "gauge")
				for _, id := range clients {
					m.sample("spheres_bandwidth_available_bytes", fmt.Sprintf("client=%q", id), fmt.Sprintf("%.2f", usage[id].AvailableBytes))
				}
				m.header("spheres_bandwidth_denied_total", "Total throttled deliveries per client.", "counter")
				for _, id := range clients {
					m.sample("spheres_bandwidth_denied_total", fmt.Sprintf("client=%q", id), strconv.FormatInt(usage[id].DeniedDeliveries, 10))
				}
			}
		}
		if h.gate != nil {
			totals := h.gate.Totals()
			m.header("spheres_input_dropped_total", "Commands dropped by the input gate per reason.", "counter")
			m.sample("spheres_input_dropped_total", `reason="sequence"`, strconv.FormatUint(totals.Sequence, 10))
			m.sample("spheres_input_dropped_total", `reason="stale"`, strconv.FormatUint(totals.Stale, 10))
			m.sample("spheres_input_dropped_total", `reason="rate_limit"`, strconv.FormatUint(totals.RateLimited, 10))
			m.sample("spheres_input_dropped_total", `reason="cooldown"`, strconv.FormatUint(totals.Cooldown, 10))
		}
		if h.validator != nil {
			var cooldowns, disconnects uint64
			violations := make(map[input.ValidationReason]uint64)
			for _, counters := range h.validator.Metrics() {
				cooldowns += counters.Cooldowns
				disconnects += counters.Disconnects
				for reason, count := range counters.Violations {
					violations[reason] += count
				}
			}
			if len(violations) > 0 {
				m.header("spheres_input_invalid_total", "Invalid commands per validation reason.", "counter")
				for _, reason := range sortedKeys(violations) {
					m.sample("spheres_input_invalid_total", fmt.Sprintf("reason=%q", reason), strconv.FormatUint(violations[reason], 10))
				}
			}
			m.counter("spheres_input_cooldowns_total", "Cooldowns imposed on abusive clients.", strconv.FormatUint(cooldowns, 10))
			m.counter("spheres_input_disconnects_total", "Clients disconnected for repeated abuse.", strconv.FormatUint(disconnects, 10))
		}
		if h.ticks != nil {
			snap := h.ticks.Snapshot()
			m.gauge("spheres_tick_duration_seconds", "Average simulation tick duration.", fmt.Sprintf("%.6f", snap.Average.Seconds()))
			m.gauge("spheres_tick_duration_max_seconds", "Longest observed simulation tick.", fmt.Sprintf("%.6f", snap.Max.Seconds()))
			m.gauge("spheres_tick_jitter_seconds", "Standard deviation of recent tick durations.", fmt.Sprintf("%.6f", snap.Jitter.Seconds()))
		}
		if h.frames != nil {
			diag := h.frames.Diagnostics()
			m.gauge("spheres_tick", "Tick of the latest published frame.", strconv.FormatUint(diag.Tick, 10))
			m.gauge("spheres_kinetic_energy", "Kinetic energy of the cluster.", formatFloat(diag.KineticEnergy))
			m.gauge("spheres_radial_distance_mean", "Mean body distance from the origin.", formatFloat(diag.MeanRadialDist))
			m.gauge("spheres_non_finite_bodies", "Bodies holding NaN or infinite state.", strconv.Itoa(diag.NonFiniteBodies))
		}
		if h.streamStats != nil {
			subscribers, dropped := h.streamStats()
			m.gauge("spheres_grpc_frame_subscribers", "Active gRPC frame stream subscribers.", strconv.Itoa(subscribers))
			m.counter("spheres_grpc_frames_dropped_total", "Frames skipped for slow gRPC subscribers.", strconv.FormatUint(dropped, 10))
		}
		if h.eventRecords != nil {
			m.gauge("spheres_event_subscribers", "Event subscribers held for delivery or resume.", strconv.Itoa(h.eventRecords()))
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			m.counter("spheres_replay_frames_total", "Frames appended to the live replay bundle.", strconv.FormatInt(stats.FramesRecorded, 10))
			m.counter("spheres_replay_commands_total", "Commands appended to the live replay bundle.", strconv.FormatInt(stats.CommandsRecorded, 10))
			m.counter("spheres_replay_bytes_total", "Uncompressed payload bytes recorded.", strconv.FormatInt(stats.BytesRecorded, 10))
			m.counter("spheres_replay_write_failures_total", "Replay appends that failed.", strconv.FormatInt(stats.WriteFailures, 10))
			m.counter("spheres_replay_dumps_total", "Replay dumps completed successfully.", strconv.FormatInt(stats.Dumps, 10))
		}
		if h.storageStats != nil {
			stats := h.storageStats()
			m.gauge("spheres_replay_bundles", "Replay bundles retained on disk.", strconv.Itoa(stats.Bundles))
			m.gauge("spheres_replay_storage_bytes", "Disk footprint of retained replay bundles.", strconv.FormatInt(stats.Bytes, 10))
			m.counter("spheres_replay_pruned_total", "Replay bundles removed by retention.", strconv.Itoa(stats.Removed))
		}
	}
}

// ReplayDumpHandler authorises and triggers replay dump creation.
func (h *HandlerSet) ReplayDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			if advisor, ok := h.rateLimiter.(retryAdvisor); ok {
				if wait := advisor.RetryAfter(); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}
			}
			reqLogger.Warn("replay dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.replay == nil {
			reqLogger.Warn("replay dump denied: no dumper configured")
			http.Error(w, "replay dumping is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.DumpReplay(r.Context())
		if err != nil {
			reqLogger.Error("replay dump trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger replay dump", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay dump triggered", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

type bodyJSON struct {
	Index           int        `json:"index"`
	Kind            string     `json:"kind"`
	Position        [3]float64 `json:"position"`
	Velocity        [3]float64 `json:"velocity"`
	Rotation        [4]float64 `json:"rotation"`
	Radius          float64    `json:"radius"`
	Color           [3]float32 `json:"color"`
	Roughness       float32    `json:"roughness"`
	Semitransparent bool       `json:"semitransparent"`
	Colored         bool       `json:"colored"`
}

type neighborJSON struct {
	Owner int `json:"owner"`
	Count int `json:"count"`
	// Floats is the flattened uniform layout a shader would receive.
	Floats []float32 `json:"floats"`
}

type snapshotJSON struct {
	Tick         uint64         `json:"tick"`
	Elapsed      float64        `json:"elapsed"`
	PaletteIndex int            `json:"palette_index"`
	Bodies       []bodyJSON     `json:"bodies"`
	Order        []int          `json:"order"`
	Neighbors    []neighborJSON `json:"neighbors,omitempty"`
}

// SnapshotHandler serves the latest frame as JSON, or in the binary frame
// codec when format=binary is requested.
func (h *HandlerSet) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.frames == nil {
			http.Error(w, "simulation unavailable", http.StatusServiceUnavailable)
			return
		}
		frame := h.frames.Latest()
		query := r.URL.Query()
		if query.Get("neighbors") != "1" {
			frame = frame.WithoutNeighbors()
		}
		if query.Get("format") == "binary" {
			payload := simulation.EncodeFrame(frame)
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			_, _ = w.Write(payload)
			return
		}
		writeJSON(w, http.StatusOK, snapshotOf(frame))
	}
}

func snapshotOf(frame simulation.Frame) snapshotJSON {
	out := snapshotJSON{
		Tick:         frame.Tick,
		Elapsed:      frame.Elapsed,
		PaletteIndex: frame.PaletteIndex,
		Bodies:       make([]bodyJSON, len(frame.Bodies)),
		Order:        append([]int{}, frame.Order...),
	}
	for i, body := range frame.Bodies {
		out.Bodies[i] = bodyJSON{
			Index:           body.Index,
			Kind:            body.Kind.String(),
			Position:        [3]float64(body.Position),
			Velocity:        [3]float64(body.Velocity),
			Rotation:        [4]float64{body.Rotation.V[0], body.Rotation.V[1], body.Rotation.V[2], body.Rotation.W},
			Radius:          body.Radius,
			Color:           [3]float32(body.Color),
			Roughness:       body.Roughness,
			Semitransparent: body.Semitransparent,
			Colored:         body.Colored,
		}
	}
	for _, buffer := range frame.Neighbors {
		out.Neighbors = append(out.Neighbors, neighborJSON{Owner: buffer.Owner, Count: buffer.Count, Floats: buffer.Float32s()})
	}
	return out
}

// DiagnosticsHandler reports cluster statistics and loop timing.
func (h *HandlerSet) DiagnosticsHandler() http.HandlerFunc {
	type tickJSON struct {
		Samples   int     `json:"samples"`
		AverageMs float64 `json:"average_ms"`
		MaxMs     float64 `json:"max_ms"`
		JitterMs  float64 `json:"jitter_ms"`
		FPS       float64 `json:"fps"`
	}
	type response struct {
		simulation.Diagnostics
		Loop *tickJSON `json:"loop,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.frames == nil {
			http.Error(w, "simulation unavailable", http.StatusServiceUnavailable)
			return
		}
		resp := response{Diagnostics: h.frames.Diagnostics()}
		if h.ticks != nil {
			snap := h.ticks.Snapshot()
			resp.Loop = &tickJSON{
				Samples:   snap.Samples,
				AverageMs: milliseconds(snap.Average),
				MaxMs:     milliseconds(snap.Max),
				JitterMs:  milliseconds(snap.Jitter),
				FPS:       snap.AverageFPS(),
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RenderHandler ray-casts the latest frame on the CPU and returns a PNG.
// Width and height default to 320x200 and are clamped to [16, 1024].
func (h *HandlerSet) RenderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.frames == nil || h.renderer == nil {
			http.Error(w, "rendering unavailable", http.StatusServiceUnavailable)
			return
		}
		width, err := edgeParam(r, "width", defaultRenderWidth)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		height, err := edgeParam(r, "height", defaultRenderHeight)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		frame := h.frames.Latest()
		started := h.now()
		img, err := h.renderer(width, height).Render(r.Context(), shading.RenderInput{
			Bodies:    frame.States(),
			Neighbors: frame.Neighbors,
			Camera:    h.frames.Camera(),
		})
		if err != nil {
			h.logger.Warn("render failed", logging.Error(err), logging.Uint64("tick", frame.Tick))
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		h.logger.Debug("frame rendered",
			logging.Uint64("tick", frame.Tick),
			logging.Int("width", width),
			logging.Int("height", height),
			logging.Duration("took", h.now().Sub(started)),
		)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Frame-Tick", strconv.FormatUint(frame.Tick, 10))
		if err := png.Encode(w, img); err != nil {
			h.logger.Warn("png encode failed", logging.Error(err))
		}
	}
}

// SessionHandler issues a viewer token bound to a fresh client id. A
// request that presents a still valid token in X-Auth-Token is renewed
// under the same id so the viewer can keep resuming its event stream.
func (h *HandlerSet) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		subject := ""
		if presented := strings.TrimSpace(r.Header.Get("X-Auth-Token")); presented != "" {
			session, err := h.sessions.Verify(presented)
			if err != nil {
				http.Error(w, "invalid session token", http.StatusUnauthorized)
				return
			}
			subject = session.Subject
		}
		token, session, err := h.sessions.Issue(subject)
		if err != nil {
			h.logger.Error("session issue failed", logging.Error(err))
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		h.logger.Info("viewer session issued",
			logging.String("client_id", session.Subject),
			logging.Bool("renewed", subject != ""),
		)
		writeJSON(w, http.StatusCreated, struct {
			Token string `json:"token"`
			auth.Session
		}{Token: token, Session: session})
	}
}

func edgeParam(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return min(max(value, minRenderEdge), maxRenderEdge), nil
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

type metricWriter struct {
	w http.ResponseWriter
}

func (m metricWriter) header(name, help, kind string) {
	fmt.Fprintf(m.w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(m.w, "# TYPE %s %s\n", name, kind)
}

func (m metricWriter) sample(name, labels, value string) {
	if labels == "" {
		fmt.Fprintf(m.w, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(m.w, "%s{%s} %s\n", name, labels, value)
}

func (m metricWriter) gauge(name, help, value string) {
	m.header(name, help, "gauge")
	m.sample(name, "", value)
}

func (m metricWriter) counter(name, help, value string) {
	m.header(name, help, "counter")
	m.sample(name, "", value)
}

func sortedKeys[K ~string, V any](in map[K]V) []K {
	keys := make([]K, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
