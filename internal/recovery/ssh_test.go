package recovery

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type sshServer struct {
	addr     string
	port     int
	hostKey  ssh.PublicKey
	commands chan string
}

// startSSHServer accepts the given client key and answers every exec with exitStatus.
func startSSHServer(t *testing.T, authorized ssh.PublicKey, exitStatus uint32) *sshServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized key")
		},
	}
	serverConfig.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	server := &sshServer{
		addr:     listener.Addr().String(),
		port:     listener.Addr().(*net.TCPAddr).Port,
		hostKey:  hostSigner.PublicKey(),
		commands: make(chan string, 4),
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go server.serve(conn, serverConfig, exitStatus)
		}
	}()

	return server
}

func (s *sshServer) serve(conn net.Conn, cfg *ssh.ServerConfig, exitStatus uint32) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				s.commands <- payload.Command
				_ = req.Reply(true, nil)
				_, _ = channel.Write([]byte("restarted\n"))
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{exitStatus}))
				return
			}
		}()
	}
}

// clientKey writes a fresh private key to dir and returns its path and public half.
func clientKey(t *testing.T, dir string) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

func sshConfig(t *testing.T, server *sshServer, keyFile string) *config.Config {
	cfg := recoveryConfig(t)
	cfg.Recovery.Mode = config.RecoverySSH
	cfg.Recovery.KeyFile = keyFile
	cfg.Recovery.Port = server.port
	cfg.Recovery.Command = "/etc/init.d/pika restart"
	return cfg
}

func TestSSHRecovererRunsCommand(t *testing.T) {
	keyFile, pub := clientKey(t, t.TempDir())
	server := startSSHServer(t, pub, 0)

	outcome, err := NewSSHRecoverer(sshConfig(t, server, keyFile)).Recover(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecoveryAttempted, outcome)
	assert.Equal(t, "/etc/init.d/pika restart", <-server.commands)
}

func TestSSHRecovererCommandFailure(t *testing.T) {
	keyFile, pub := clientKey(t, t.TempDir())
	server := startSSHServer(t, pub, 1)

	outcome, err := NewSSHRecoverer(sshConfig(t, server, keyFile)).Recover(context.Background(), "127.0.0.1")

	assert.Equal(t, domain.RecoveryFailed, outcome)
	var exitErr *ssh.ExitError
	assert.ErrorAs(t, err, &exitErr)
}

func TestSSHRecovererRejectedKey(t *testing.T) {
	dir := t.TempDir()
	keyFile, _ := clientKey(t, dir)
	_, other := clientKey(t, t.TempDir())
	server := startSSHServer(t, other, 0)

	outcome, err := NewSSHRecoverer(sshConfig(t, server, keyFile)).Recover(context.Background(), "127.0.0.1")

	assert.Equal(t, domain.RecoveryFailed, outcome)
	assert.Error(t, err)
}

func TestSSHRecovererKnownHosts(t *testing.T) {
	keyFile, pub := clientKey(t, t.TempDir())
	server := startSSHServer(t, pub, 0)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{server.addr}, server.hostKey)
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	cfg := sshConfig(t, server, keyFile)
	cfg.Recovery.KnownHosts = knownHosts

	outcome, err := NewSSHRecoverer(cfg).Recover(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecoveryAttempted, outcome)
}

func TestSSHRecovererUnknownHostKey(t *testing.T) {
	keyFile, pub := clientKey(t, t.TempDir())
	server := startSSHServer(t, pub, 0)

	_, stranger, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	strangerSigner, err := ssh.NewSignerFromKey(stranger)
	require.NoError(t, err)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{"[127.0.0.1]:" + strconv.Itoa(server.port)}, strangerSigner.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	cfg := sshConfig(t, server, keyFile)
	cfg.Recovery.KnownHosts = knownHosts

	outcome, err := NewSSHRecoverer(cfg).Recover(context.Background(), "127.0.0.1")

	assert.Equal(t, domain.RecoveryFailed, outcome)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "knownhosts")
}

func TestSSHRecovererMissingKeyFile(t *testing.T) {
	cfg := recoveryConfig(t)
	cfg.Recovery.Command = "reboot"

	outcome, err := NewSSHRecoverer(cfg).Recover(context.Background(), "127.0.0.1")

	assert.Equal(t, domain.RecoverySkipped, outcome)
	assert.ErrorIs(t, err, domain.ErrNoCredentials)
}

func TestSSHRecovererInvalidKeyFile(t *testing.T) {
	cfg := recoveryConfig(t)
	cfg.Recovery.Command = "reboot"
	writeFile(t, cfg.Recovery.KeyFile, "not a key", 0o600)

	outcome, err := NewSSHRecoverer(cfg).Recover(context.Background(), "127.0.0.1")

	assert.Equal(t, domain.RecoveryFailed, outcome)
	assert.Error(t, err)
}
