package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi-bridge/heartbeat"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/telemetry"
	"github.com/mjasion/balena-home/ruuvi-bridge/state"
)

const maxRequestBytes = 1024

// Listener is a net.Listener whose Accept can be bounded by a deadline
type Listener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// ScanStarter starts a bounded BLE scan and returns immediately
type ScanStarter interface {
	StartScan(ctx context.Context) error
}

// Config holds the loop timing and request handling mode
type Config struct {
	AcceptTimeout time.Duration
	SettleDelay   time.Duration
	IOTimeout     time.Duration
	ScanOnRequest bool
	// ReturnEarly answers as soon as a fresh sample arrives instead of
	// waiting out the whole settle delay
	ReturnEarly  bool
	PollInterval time.Duration
}

// Server runs the single-threaded heartbeat / accept / respond loop
type Server struct {
	cfg         Config
	listener    Listener
	scanner     ScanStarter
	state       *state.Telemetry
	heartbeat   *heartbeat.Heartbeat
	clock       Clock
	instruments *telemetry.Instruments
	logger      *zap.Logger
}

// Listen binds the TCP listening socket
func Listen(host string, port int) (*net.TCPListener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln.(*net.TCPListener), nil
}

// New creates a server. hb may be nil when no liveness output is wanted.
func New(cfg Config, listener Listener, scanner ScanStarter, st *state.Telemetry, hb *heartbeat.Heartbeat, clock Clock, logger *zap.Logger) *Server {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 100 * time.Millisecond
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &Server{
		cfg:       cfg,
		listener:  listener,
		scanner:   scanner,
		state:     st,
		heartbeat: hb,
		clock:     clock,
		logger:    logger,
	}
}

// WithInstruments attaches OpenTelemetry counters
func (s *Server) WithInstruments(ins *telemetry.Instruments) *Server {
	s.instruments = ins
	return s
}

// Serve runs the loop until ctx is cancelled or the listener is closed.
// The listener is always closed on return.
func (s *Server) Serve(ctx context.Context) error {
	defer s.listener.Close()

	s.logger.Info("server listening",
		zap.String("address", s.listener.Addr().String()),
		zap.Bool("scan_on_request", s.cfg.ScanOnRequest),
		zap.Bool("return_early", s.cfg.ReturnEarly),
	)

	for {
		if ctx.Err() != nil {
			s.logger.Info("server stopping")
			return nil
		}

		if s.heartbeat != nil {
			s.heartbeat.Tick(s.clock.Now(), s.state.Fresh())
		}

		if err := s.listener.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("listener closed, server stopping")
				return nil
			}
			return fmt.Errorf("failed to set accept deadline: %w", err)
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				continue
			case errors.Is(err, net.ErrClosed):
				s.logger.Info("listener closed, server stopping")
				return nil
			default:
				s.logger.Warn("failed to accept connection", zap.Error(err))
				s.clock.Sleep(s.cfg.AcceptTimeout)
				continue
			}
		}

		s.handle(ctx, conn)
	}
}

// handle serves one client to completion and closes the connection
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	requestID := uuid.NewString()
	logger := s.logger.With(
		zap.String("request_id", requestID),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)
	start := s.clock.Now()

	ctx, span := otel.Tracer("server").Start(ctx, "server.handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("net.peer.addr", conn.RemoteAddr().String()),
		),
	)
	defer span.End()

	if s.instruments != nil {
		s.instruments.Requests.Add(ctx, 1)
	}

	if err := conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
		s.fail(ctx, span, logger, "failed to set connection deadline", err)
		return
	}

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		s.fail(ctx, span, logger, "failed to read request", err)
		return
	}
	logger.Debug("request received", zap.Int("bytes", n))

	if s.cfg.ScanOnRequest {
		if err := s.scanner.StartScan(ctx); err != nil {
			// the cached sample is still served
			logger.Warn("failed to start scan", zap.Error(err))
			span.RecordError(err)
		}
		s.settle()
		// the settle delay may run past the connection deadline
		if err := conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
			s.fail(ctx, span, logger, "failed to set connection deadline", err)
			return
		}
	}

	sample, ok := s.state.Take()
	body := responseBody(sample, ok)

	if _, err := conn.Write(response(body)); err != nil {
		s.fail(ctx, span, logger, "failed to write response", err)
		return
	}

	span.SetAttributes(attribute.Bool("sample.present", ok))
	span.SetStatus(codes.Ok, "served")
	logger.Info("request served",
		zap.Bool("sample_present", ok),
		zap.Duration("duration", s.clock.Now().Sub(start)),
	)
}

// settle gives discovery callbacks time to land before the state is read
func (s *Server) settle() {
	if !s.cfg.ReturnEarly {
		s.clock.Sleep(s.cfg.SettleDelay)
		return
	}

	deadline := s.clock.Now().Add(s.cfg.SettleDelay)
	for !s.state.Fresh() {
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return
		}
		s.clock.Sleep(min(s.cfg.PollInterval, remaining))
	}
}

func (s *Server) fail(ctx context.Context, span trace.Span, logger *zap.Logger, msg string, err error) {
	logger.Warn(msg, zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	if s.instruments != nil {
		s.instruments.RequestErrors.Add(ctx, 1)
	}
}
