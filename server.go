//go:build linux

package udpecho

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/godzie44/udpecho/config"
	"github.com/godzie44/udpecho/epoll"
	"github.com/godzie44/udpecho/logger"
	"github.com/godzie44/udpecho/metrics"
	echonet "github.com/godzie44/udpecho/net"
	"github.com/godzie44/udpecho/reactor"
	"github.com/godzie44/udpecho/uring"
)

// ErrNoWorkers returned by Serve when configuration asks for less than one worker.
var ErrNoWorkers = errors.New("at least one worker required")

const metricsShutdownTimeout = 5 * time.Second

// Server runs one or more echo loops sharing the configured address.
// Each loop owns its endpoint and poller.
type Server struct {
	cfg *config.Config
	id  uuid.UUID
	log zerolog.Logger

	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	registry *prometheus.Registry

	mu          sync.Mutex
	addrs       []*net.UDPAddr
	metricsAddr net.Addr

	starting  sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

type Option func(s *Server)

// WithLogger set base logger, every message of server carry its instance id.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics set collectors shared by all loops. Metrics endpoint gather them from default gatherer
// unless WithRegistry is also used.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRegistry set registry used for both collector registration and metrics endpoint.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// NewServer create Server instance. Server is single use: Serve must be called once.
func NewServer(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		id:    uuid.Must(uuid.NewV4()),
		log:   zerolog.Nop(),
		ready: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	switch {
	case s.metrics == nil:
		if s.registry == nil {
			s.registry = prometheus.NewRegistry()
		}
		s.metrics = metrics.NewMetricsWithRegistry(s.registry)
		s.gatherer = s.registry
	case s.registry != nil:
		s.gatherer = s.registry
	default:
		s.gatherer = prometheus.DefaultGatherer
	}

	s.log = s.log.With().Str("instance", s.id.String()).Logger()

	return s
}

// ID return instance id attached to server log messages.
func (s *Server) ID() uuid.UUID {
	return s.id
}

// Ready return channel closed when every worker has either bound its endpoint or failed.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addrs return local addresses of bound workers.
func (s *Server) Addrs() []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]*net.UDPAddr, len(s.addrs))
	copy(addrs, s.addrs)
	return addrs
}

// MetricsAddr return address of metrics endpoint, nil if it is disabled or not started.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsAddr
}

// Serve run workers until ctx is done or one of them fails. First failure stops other workers.
// Return nil after cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.Workers < 1 {
		s.markReady()
		return ErrNoWorkers
	}
	if err := s.cfg.Validate(); err != nil {
		s.markReady()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.MetricsAddr != "" {
		if err := s.serveMetrics(gctx, g); err != nil {
			s.markReady()
			return err
		}
	}

	s.starting.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			var once sync.Once
			started := func() { once.Do(s.starting.Done) }
			defer started()

			return s.runWorker(gctx, id, started)
		})
	}

	go func() {
		s.starting.Wait()
		s.markReady()
	}()

	return g.Wait()
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}

func (s *Server) serveMetrics(ctx context.Context, g *errgroup.Group) error {
	ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return errors.Wrap(err, "listen metrics")
	}

	s.mu.Lock()
	s.metricsAddr = ln.Addr()
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(s.gatherer))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: metricsShutdownTimeout,
	}

	log := logger.WithComponent(s.log, "metrics")
	log.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint started")

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve metrics")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics endpoint shutdown")
		}
		return nil
	})

	return nil
}

// runWorker acquire endpoint then poller and release them in reverse order on every return path.
func (s *Server) runWorker(ctx context.Context, id int, started func()) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := s.log.With().Int("worker", id).Logger()

	endpoint, err := echonet.ListenUDP(s.cfg.UDPAddr())
	if err != nil {
		return errors.Wrapf(err, "worker %d", id)
	}
	defer func() {
		err = joinErr(err, endpoint.Close())
	}()

	poller, err := newNotifier(s.cfg.Notifier)
	if err != nil {
		return errors.Wrapf(err, "worker %d", id)
	}
	defer func() {
		err = joinErr(err, poller.Close())
	}()

	loop := reactor.New(endpoint, poller,
		reactor.WithLogger(logger.WithComponent(log, "reactor")),
		reactor.WithRecorder(s.metrics),
		reactor.WithTickDuration(s.cfg.Tick()),
		reactor.WithDropTruncated(s.cfg.DropTruncated),
	)
	if err = loop.Register(); err != nil {
		return errors.Wrapf(err, "worker %d", id)
	}

	s.mu.Lock()
	s.addrs = append(s.addrs, endpoint.LocalAddr())
	s.mu.Unlock()
	started()

	s.metrics.WorkersRunning.Inc()
	defer s.metrics.WorkersRunning.Dec()

	log.Info().
		Str("addr", endpoint.LocalAddr().String()).
		Str("notifier", s.cfg.Notifier).
		Msg("echo loop started")
	defer func() {
		st := loop.Stats()
		log.Info().
			Uint64("received", st.Received).
			Uint64("echoed", st.Echoed).
			Str("bytes_received", humanize.Bytes(st.BytesReceived)).
			Str("bytes_sent", humanize.Bytes(st.BytesSent)).
			Uint64("partial_sends", st.PartialSends).
			Uint64("truncated", st.Truncated).
			Msg("echo loop stopped")
	}()

	if err = loop.Run(ctx); err != nil {
		return errors.Wrapf(err, "worker %d", id)
	}
	return nil
}

type notifier interface {
	reactor.Poller
	Close() error
}

// newNotifier open the readiness notifier named by config.
func newNotifier(kind string) (notifier, error) {
	switch kind {
	case config.NotifierEpoll, "":
		p, err := epoll.New()
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.NotifierURing:
		p, err := uring.NewPoller(uring.DefaultEntries)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, errors.Errorf("unknown notifier %q", kind)
	}
}

func joinErr(err1, err2 error) error {
	if err1 == nil {
		return err2
	}
	if err2 == nil {
		return err1
	}

	return errors.Wrapf(err1, "multiple errors (%v)", err2)
}
