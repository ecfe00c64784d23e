package link

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Config describes how the bridge finds its local address
type Config struct {
	BindAddress   string // used as-is when set
	Interface     string
	RetryAttempts uint
	RetryInterval time.Duration
}

// Establisher waits for the network link to come up
type Establisher struct {
	cfg    Config
	lookup func(iface string) (string, error)
	logger *zap.Logger
}

// New creates an establisher that reads addresses from the host interfaces
func New(cfg Config, logger *zap.Logger) *Establisher {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 10
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Establisher{cfg: cfg, lookup: interfaceIPv4, logger: logger}
}

// Establish returns the local address to bind to. It fails once the retry
// budget is spent without the interface carrying an IPv4 address.
func (e *Establisher) Establish(ctx context.Context) (string, error) {
	if e.cfg.BindAddress != "" {
		e.logger.Info("using configured bind address", zap.String("address", e.cfg.BindAddress))
		return e.cfg.BindAddress, nil
	}

	e.logger.Info("waiting for network link",
		zap.String("interface", e.cfg.Interface),
		zap.Uint("attempts", e.cfg.RetryAttempts),
		zap.Duration("interval", e.cfg.RetryInterval),
	)

	attempt := 0
	addr, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		return e.lookup(e.cfg.Interface)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.RetryInterval)),
		backoff.WithMaxTries(e.cfg.RetryAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug("network link not ready",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("network link %s not up after %d attempts: %w", e.cfg.Interface, attempt, err)
	}

	e.logger.Info("network link up", zap.String("interface", e.cfg.Interface), zap.String("address", addr))
	return addr, nil
}

// interfaceIPv4 returns the first IPv4 address assigned to iface
func interfaceIPv4(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", err
	}
	if ifi.Flags&net.FlagUp == 0 {
		return "", fmt.Errorf("interface %s is down", iface)
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("interface %s has no IPv4 address", iface)
}
