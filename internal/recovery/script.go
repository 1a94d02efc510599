package recovery

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ScriptRecoverer runs an external helper as `<script> <host> <keyfile>`.
type ScriptRecoverer struct {
	script  string
	keyFile string
	config  *config.Config
	logger  zerolog.Logger
}

// NewScriptRecoverer creates a recoverer running recovery.script.
func NewScriptRecoverer(cfg *config.Config) *ScriptRecoverer {
	return &ScriptRecoverer{
		script:  cfg.Recovery.Script,
		keyFile: cfg.Recovery.KeyFile,
		config:  cfg,
		logger:  log.With().Str("component", "recovery-script").Logger(),
	}
}

// Recover runs the helper script and waits for it to exit.
func (r *ScriptRecoverer) Recover(ctx context.Context, target string) (domain.RecoveryOutcome, error) {
	if err := checkKeyFile(r.keyFile); err != nil {
		return skipped("recovery-script", err)
	}

	ctx, cancel := context.WithTimeout(ctx, recoveryTimeout(r.config))
	defer cancel()

	r.logger.Debug().Str("script", r.script).Str("target", target).Msg("Trying to restart the service")

	cmd := exec.CommandContext(ctx, r.script, target, r.keyFile)
	output, err := cmd.CombinedOutput()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	r.logger.Debug().
		Int("exit_code", exitCode).
		Str("output", strings.TrimSpace(string(output))).
		Msg("Recovery script finished")

	if err != nil {
		r.logger.Error().Err(err).Str("script", r.script).Msg("Failed to restart the service")
		return domain.RecoveryFailed, fmt.Errorf("recovery script %s: %w", r.script, err)
	}

	return domain.RecoveryAttempted, nil
}
