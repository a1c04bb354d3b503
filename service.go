package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	grpclib "google.golang.org/grpc"

	"floatingspheres/broker/internal/auth"
	"floatingspheres/broker/internal/config"
	"floatingspheres/broker/internal/events"
	grpcapi "floatingspheres/broker/internal/grpc"
	httpapi "floatingspheres/broker/internal/http"
	"floatingspheres/broker/internal/input"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/networking"
	"floatingspheres/broker/internal/replay"
	"floatingspheres/broker/internal/shading"
	"floatingspheres/broker/internal/simulation"
)

const (
	// serviceAspect is the viewport ratio used to unproject shared pointer input.
	serviceAspect     = 16.0 / 9.0
	shutdownGrace     = 5 * time.Second
	retentionInterval = time.Hour
	sessionLeeway     = 2 * time.Second
)

// service owns the engine and every surface that publishes its frames.
type service struct {
	cfg      *config.Config
	logger   *logging.Logger
	scene    *config.Scene
	engine   *simulation.Engine
	monitor  *simulation.TickMonitor
	stream   *events.Stream
	gate     *input.Gate
	validate *input.Validator
	hub      *networking.Hub
	fanout   *grpcapi.Fanout
	frames   *grpcapi.Service
	loop     *simulation.Loop
	recorder *replay.Recorder
	cleaner  *replay.Cleaner
	limiter  *httpapi.WindowLimiter
	sessions *auth.SessionTokens
	preview  *shading.Renderer
	now      func() time.Time
	started  time.Time

	mu         sync.RWMutex
	startupErr error
}

// newService builds the engine from the configured scene and wires it to the
// websocket hub, the gRPC fan-out and the replay recorder.
func newService(cfg *config.Config, logger *logging.Logger, clock func() time.Time) (*service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.L()
	}
	if clock == nil {
		clock = time.Now
	}

	//1.- Resolve the scene and apply the mobile reductions before anything reads it.
	base, err := config.LoadScene(cfg.ScenePath)
	if err != nil {
		return nil, fmt.Errorf("load scene: %w", err)
	}
	scene, err := base.Effective(cfg.Mobile)
	if err != nil {
		return nil, fmt.Errorf("effective scene: %w", err)
	}

	s := &service{
		cfg:     cfg,
		logger:  logger,
		scene:   scene,
		monitor: simulation.NewTickMonitor(),
		stream:  events.NewStream(events.Config{}),
		now:     clock,
		started: clock(),
	}

	//2.- Open the live replay bundle when a replay directory is configured.
	if cfg.ReplayDir != "" {
		if err := s.openReplay(); err != nil {
			return nil, err
		}
	}

	opts := []simulation.Option{
		simulation.WithLogger(logger.With(logging.String("component", "engine"))),
		simulation.WithEvents(s.stream),
		simulation.WithTickMonitor(s.monitor),
		simulation.WithAspect(serviceAspect),
		simulation.WithClock(clock),
	}
	if s.recorder != nil {
		opts = append(opts, simulation.WithRecorder(s.recorder))
	}
	s.engine, err = simulation.NewEngine(scene, cfg.Seed, opts...)
	if err != nil {
		s.closeReplay()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	//3.- Both transports share one gate and validator so limits follow the client id.
	s.gate = input.NewGate(input.DefaultConfig, logger)
	s.validate = input.NewValidator(input.DefaultConstraints, logger)
	var sessionAuth networking.HubOption
	if cfg.SessionSecret != "" {
		s.sessions, err = auth.NewSessionTokens(cfg.SessionSecret, cfg.SessionTTL, sessionLeeway)
		if err != nil {
			s.closeReplay()
			return nil, fmt.Errorf("session tokens: %w", err)
		}
		sessionAuth = networking.WithAuthenticator(networking.SessionAuthenticator{Tokens: s.sessions})
	}
	bandwidth := networking.NewBandwidthRegulator(cfg.BandwidthBytesPerSecond, networking.DefaultBandwidthBurst, clock)
	s.hub = networking.NewHub(networking.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
		MaxClients:      cfg.MaxClients,
		SendNeighbors:   cfg.SendNeighbors,
	}, s.engine, logger.With(logging.String("component", "hub")),
		networking.WithGate(s.gate),
		networking.WithValidator(s.validate),
		networking.WithBandwidth(bandwidth),
		networking.WithEvents(s.stream),
		networking.WithHello(s.hello),
		sessionAuth,
	)

	s.fanout = grpcapi.NewFanout()
	s.frames = grpcapi.NewService(s.fanout, s.engine,
		grpcapi.WithEvents(s.stream),
		grpcapi.WithGate(s.gate),
		grpcapi.WithValidator(s.validate),
		grpcapi.WithNeighbors(cfg.SendNeighbors),
		grpcapi.WithLogger(logger.With(logging.String("component", "grpc"))),
	)

	s.preview, err = simulation.SceneRenderer(scene, cfg.Seed, 1, 1)
	if err != nil {
		s.closeReplay()
		return nil, fmt.Errorf("build renderer: %w", err)
	}
	s.limiter = httpapi.NewWindowLimiter(cfg.ReplayDumpWindow, cfg.ReplayDumpBurst, clock)
	s.loop = simulation.NewLoop(cfg.TickHz, s.step)
	return s, nil
}

func (s *service) openReplay() error {
	writer, _, err := replay.NewWriter(s.cfg.ReplayDir, "spheres", s.now)
	if err != nil {
		return fmt.Errorf("open replay bundle: %w", err)
	}
	sceneYAML, err := s.scene.YAML()
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("encode scene: %w", err)
	}
	writer.SetHeaderMetadata(s.cfg.Seed, sceneYAML, serviceAspect, s.cfg.TickHz)
	s.recorder, err = replay.NewRecorder(writer, s.now)
	if err != nil {
		_ = writer.Close()
		return err
	}
	s.cleaner = replay.NewCleaner(s.cfg.ReplayDir, replay.RetentionPolicy{
		MaxBundles: s.cfg.ReplayMaxBundles,
		MaxAge:     s.cfg.ReplayMaxAge,
	}, s.logger.With(logging.String("component", "replay")))
	s.cleaner.Protect(writer.Directory)
	s.logger.Info("replay recording enabled", logging.String("bundle", writer.Directory()))
	return nil
}

func (s *service) closeReplay() {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Warn("replay close failed", logging.Error(err))
	}
}

// step advances the engine once and hands the frame to every transport.
func (s *service) step(dt time.Duration) {
	frame := s.engine.Tick(dt.Seconds())
	s.hub.Broadcast(frame)
	s.fanout.Publish(frame)
}

func (s *service) hello(clientID string) any {
	latest := s.engine.Latest()
	return map[string]any{
		"type":           "hello",
		"client_id":      clientID,
		"seed":           s.engine.Seed(),
		"bodies":         len(latest.Bodies),
		"tick":           latest.Tick,
		"tick_hz":        s.cfg.TickHz,
		"palette_index":  latest.PaletteIndex,
		"send_neighbors": s.cfg.SendNeighbors,
	}
}

// Clients implements httpapi.ReadinessProvider.
func (s *service) Clients() int { return s.hub.Stats().Clients }

// StartupError implements httpapi.ReadinessProvider.
func (s *service) StartupError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (s *service) Uptime() time.Duration { return s.now().Sub(s.started) }

func (s *service) fail(err error) {
	s.mu.Lock()
	if s.startupErr == nil {
		s.startupErr = err
	}
	s.mu.Unlock()
}

// handler mounts the websocket endpoint and the operational API.
func (s *service) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)

	opts := httpapi.Options{
		Logger:       s.logger.With(logging.String("component", "http")),
		Readiness:    s,
		Frames:       s.engine,
		HubStats:     s.hub.Stats,
		Bandwidth:    s.hub.Bandwidth(),
		Gate:         s.gate,
		Validator:    s.validate,
		Ticks:        s.monitor,
		StreamStats:  func() (int, uint64) { return s.fanout.Subscribers(), s.fanout.Dropped() },
		EventRecords: s.stream.Subscribers,
		AdminToken:   s.cfg.AdminToken,
		RateLimiter:  s.limiter,
		TimeSource:   s.now,
		Renderer: func(width, height int) *shading.Renderer {
			//1.- Share the seeded noise field and matcap, only the size differs per request.
			renderer := *s.preview
			renderer.Width, renderer.Height = width, height
			return &renderer
		},
	}
	if s.sessions != nil {
		opts.Sessions = s.sessions
	}
	if s.recorder != nil {
		opts.Replay = httpapi.ReplayDumperFunc(func(context.Context) (string, error) { return s.recorder.Dump() })
		opts.ReplayStats = s.recorder.Snapshot
		opts.StorageStats = s.cleaner.Stats
	}
	httpapi.NewHandlerSet(opts).Register(mux)
	return logging.HTTPTraceMiddleware(s.logger)(mux)
}

// Run serves HTTP and gRPC and ticks the engine until ctx is cancelled.
func (s *service) Run(ctx context.Context) error {
	httpListener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("listen http: %w", err)
	}
	grpcListener, err := net.Listen("tcp", s.cfg.GRPCAddress)
	if err != nil {
		httpListener.Close()
		s.fail(err)
		return fmt.Errorf("listen grpc: %w", err)
	}
	return s.serve(ctx, httpListener, grpcListener)
}

func (s *service) serve(ctx context.Context, httpListener, grpcListener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpclib.NewServer(grpcapi.ServerOptions(s.cfg.AdminToken, s.logger)...)
	grpcapi.RegisterFrameStreamServer(grpcServer, s.frames)

	s.logger.Info("floating spheres service listening",
		logging.String("http", listenerURL(httpListener.Addr().String(), "http")),
		logging.String("websocket", listenerURL(httpListener.Addr().String(), "ws")+"/ws"),
		logging.String("grpc", listenerURL(grpcListener.Addr().String(), "grpc")),
		logging.String("seed", s.cfg.Seed),
		logging.Float64("tick_hz", s.cfg.TickHz),
		logging.Bool("mobile", s.cfg.Mobile),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	s.loop.Start(groupCtx)
	if s.cleaner != nil {
		group.Go(func() error {
			s.cleaner.Run(groupCtx, retentionInterval)
			return nil
		})
	}
	group.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(err)
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpclib.ErrServerStopped) {
			s.fail(err)
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.shutdown(httpServer, grpcServer)
		return nil
	})
	return group.Wait()
}

func (s *service) shutdown(httpServer *http.Server, grpcServer *grpclib.Server) {
	s.logger.Info("shutting down")
	//1.- Stop producing frames first so no transport sees a frame after close.
	s.loop.Stop()
	s.hub.Close()
	s.fanout.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", logging.Error(err))
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}
	s.closeReplay()
}
