package health

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi-bridge/state"
)

// PushStatus is implemented by the remote-write pusher
type PushStatus interface {
	LastPushTime() time.Time
	Buffered() int
}

// Status represents the health status of the bridge
type Status struct {
	Status          string     `json:"status"`
	LastSampleTime  time.Time  `json:"lastSampleTime"`
	Fresh           bool       `json:"fresh"`
	LastPushTime    *time.Time `json:"lastPushTime,omitempty"`
	BufferedSamples int        `json:"bufferedSamples"`
}

// Checker serves GET /health
type Checker struct {
	state        *state.Telemetry
	pusher       PushStatus
	sampleMaxAge time.Duration
	pushMaxAge   time.Duration
	server       *http.Server
	logger       *zap.Logger
}

// NewChecker creates a health checker. pusher may be nil when remote write
// is disabled. A zero max age disables that check.
func NewChecker(st *state.Telemetry, pusher PushStatus, sampleMaxAge, pushMaxAge time.Duration, port int, logger *zap.Logger) *Checker {
	c := &Checker{
		state:        st,
		pusher:       pusher,
		sampleMaxAge: sampleMaxAge,
		pushMaxAge:   pushMaxAge,
		logger:       logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/health", otelhttp.NewHandler(http.HandlerFunc(c.handleHealth), "health"))

	c.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return c
}

// Start serves the health endpoint until Stop is called
func (c *Checker) Start() error {
	ln, err := net.Listen("tcp", c.server.Addr)
	if err != nil {
		return fmt.Errorf("health check server error: %w", err)
	}
	return c.Serve(ln)
}

// Serve serves the health endpoint on ln
func (c *Checker) Serve(ln net.Listener) error {
	c.logger.Info("starting health check server", zap.String("addr", ln.Addr().String()))
	if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop shuts the health server down
func (c *Checker) Stop() error {
	return c.server.Close()
}

// Check evaluates the current status
func (c *Checker) Check(now time.Time) Status {
	status := Status{
		Status:         "healthy",
		LastSampleTime: c.state.LastUpdated(),
		Fresh:          c.state.Fresh(),
	}

	if c.sampleMaxAge > 0 && !status.LastSampleTime.IsZero() && now.Sub(status.LastSampleTime) > c.sampleMaxAge {
		status.Status = "stale"
	}

	if c.pusher != nil {
		status.BufferedSamples = c.pusher.Buffered()
		if lastPush := c.pusher.LastPushTime(); !lastPush.IsZero() {
			status.LastPushTime = &lastPush
			if c.pushMaxAge > 0 && now.Sub(lastPush) > c.pushMaxAge {
				status.Status = "unhealthy"
			}
		}
	}

	return status
}

func (c *Checker) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := c.Check(time.Now())

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		c.logger.Debug("failed to write health response", zap.Error(err))
	}
}
