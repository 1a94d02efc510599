package recovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHRecoverer runs recovery.command on the appliance over SSH.
type SSHRecoverer struct {
	config *config.Config
	logger zerolog.Logger
}

// NewSSHRecoverer creates a recoverer that logs in with recovery.key_file.
func NewSSHRecoverer(cfg *config.Config) *SSHRecoverer {
	return &SSHRecoverer{
		config: cfg,
		logger: log.With().Str("component", "recovery-ssh").Logger(),
	}
}

// Recover connects to target, runs the restart command and waits for it to exit.
func (r *SSHRecoverer) Recover(ctx context.Context, target string) (domain.RecoveryOutcome, error) {
	keyFile := r.config.Recovery.KeyFile
	if err := checkKeyFile(keyFile); err != nil {
		return skipped("recovery-ssh", err)
	}

	clientConfig, err := r.clientConfig(keyFile)
	if err != nil {
		r.logger.Error().Err(err).Msg("Invalid SSH configuration")
		return domain.RecoveryFailed, err
	}

	ctx, cancel := context.WithTimeout(ctx, recoveryTimeout(r.config))
	defer cancel()

	addr := net.JoinHostPort(stripScheme(target), strconv.Itoa(r.port()))
	r.logger.Debug().Str("addr", addr).Str("command", r.config.Recovery.Command).Msg("Trying to restart the service")

	client, err := dial(ctx, addr, clientConfig)
	if err != nil {
		r.logger.Error().Err(err).Str("addr", addr).Msg("SSH connection failed")
		return domain.RecoveryFailed, err
	}
	defer client.Close()

	output, err := run(ctx, client, r.config.Recovery.Command)
	r.logger.Debug().Str("output", strings.TrimSpace(string(output))).Msg("Recovery command finished")
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to restart the service")
		return domain.RecoveryFailed, fmt.Errorf("recovery command: %w", err)
	}

	return domain.RecoveryAttempted, nil
}

func (r *SSHRecoverer) clientConfig(keyFile string) (*ssh.ClientConfig, error) {
	pemBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", keyFile, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if r.config.Recovery.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(r.config.Recovery.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	} else {
		r.logger.Warn().Msg("recovery.known_hosts is not set, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            r.config.Recovery.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         recoveryTimeout(r.config),
	}, nil
}

func (r *SSHRecoverer) port() int {
	if r.config.Recovery.Port <= 0 {
		return 22
	}
	return r.config.Recovery.Port
}

func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The handshake itself has no context; closing the conn unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func run(ctx context.Context, client *ssh.Client, command string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(command)
		done <- result{output, err}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	case res := <-done:
		return res.output, res.err
	}
}

// stripScheme turns a configured host or URL into a bare hostname.
func stripScheme(target string) string {
	target = strings.TrimPrefix(strings.TrimPrefix(target, "https://"), "http://")
	target, _, _ = strings.Cut(target, "/")
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return target
}
