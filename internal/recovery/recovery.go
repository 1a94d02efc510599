// Package recovery restarts the upstream appliance service when its feed goes stale.
package recovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog/log"
)

// New returns the recoverer selected by recovery.mode.
func New(cfg *config.Config) (domain.Recoverer, error) {
	switch cfg.Recovery.Mode {
	case config.RecoveryNone, "":
		return NewNoop(), nil
	case config.RecoveryScript:
		return NewScriptRecoverer(cfg), nil
	case config.RecoverySSH:
		return NewSSHRecoverer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown recovery mode %q", cfg.Recovery.Mode)
	}
}

// Noop never attempts a recovery.
type Noop struct{}

// NewNoop creates a recoverer that does nothing.
func NewNoop() *Noop {
	return &Noop{}
}

// Recover always reports a skipped attempt.
func (n *Noop) Recover(_ context.Context, _ string) (domain.RecoveryOutcome, error) {
	return domain.RecoverySkipped, nil
}

// checkKeyFile reports ErrNoCredentials when the key file is unset or missing.
func checkKeyFile(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no key file configured", domain.ErrNoCredentials)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNoCredentials, err)
	}
	return nil
}

func recoveryTimeout(cfg *config.Config) time.Duration {
	if cfg.Recovery.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.Recovery.TimeoutSeconds) * time.Second
}

func skipped(component string, err error) (domain.RecoveryOutcome, error) {
	log.Warn().Str("component", component).Err(err).Msg("Cannot restart the upstream service")
	return domain.RecoverySkipped, err
}
