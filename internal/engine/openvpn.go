package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultManagementAddr = "127.0.0.1"
	defaultManagementPort = 7505
	stopGracePeriod       = 5 * time.Second
)

// OpenVPNConfig holds configuration for the OpenVPN process engine.
type OpenVPNConfig struct {
	// Binary is the openvpn executable, "openvpn" when empty.
	Binary string
	// WorkDir receives generated config and auth files.
	WorkDir        string
	ManagementAddr string
	ManagementPort int
	Logger         *slog.Logger
}

// OpenVPN drives an external openvpn process and reports its progress
// through the management interface: state notifications become status
// events, bytecount notifications feed the traffic counters.
type OpenVPN struct {
	binary   string
	workDir  string
	mgmtAddr string
	mgmtPort int
	logger   *slog.Logger

	events chan StatusEvent

	mu       sync.Mutex
	cmd      *exec.Cmd
	mgmtConn net.Conn
	waitDone chan struct{}
	activeID uuid.UUID
	authFile string
	counters Counters
}

// NewOpenVPN creates an OpenVPN engine.
func NewOpenVPN(cfg OpenVPNConfig) *OpenVPN {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "openvpn"
	}
	addr := cfg.ManagementAddr
	if addr == "" {
		addr = defaultManagementAddr
	}
	port := cfg.ManagementPort
	if port == 0 {
		port = defaultManagementPort
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &OpenVPN{
		binary:   binary,
		workDir:  workDir,
		mgmtAddr: addr,
		mgmtPort: port,
		logger:   logger,
		events:   make(chan StatusEvent, 16),
	}
}

// Start launches the openvpn process for the request.
func (o *OpenVPN) Start(ctx context.Context, req StartRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cmd != nil {
		return fmt.Errorf("openvpn already running")
	}

	configFile, err := o.writeConfig(req)
	if err != nil {
		return err
	}

	args := []string{
		"--config", configFile,
		"--verb", "3",
		"--management", o.mgmtAddr, strconv.Itoa(o.mgmtPort),
	}

	if req.Profile != nil && req.Profile.Username != "" {
		authFile, err := writeAuthFile(req.Profile.Username, req.Profile.Password)
		if err != nil {
			return err
		}
		o.authFile = authFile
		args = append(args, "--auth-user-pass", authFile)
	}

	cmd := exec.CommandContext(ctx, o.binary, args...)
	cmd.Stdout = &logWriter{logger: o.logger}
	cmd.Stderr = &logWriter{logger: o.logger}

	if err := cmd.Start(); err != nil {
		o.cleanupLocked()
		return fmt.Errorf("start openvpn: %w", err)
	}

	o.cmd = cmd
	o.activeID = req.CorrelationID
	o.counters = Counters{}
	o.waitDone = make(chan struct{})
	o.logger.Info("openvpn started", "pid", cmd.Process.Pid, "remote", req.Address, "id", req.CorrelationID)

	o.emit(StatusEvent{Level: LevelStart})

	go o.monitorManagement(ctx)

	waitDone := o.waitDone
	go func() {
		err := cmd.Wait()
		close(waitDone)
		o.mu.Lock()
		o.cmd = nil
		o.activeID = uuid.Nil
		o.cleanupLocked()
		o.mu.Unlock()
		o.logger.Info("openvpn exited", "error", err)
		o.emit(StatusEvent{Tag: TagProcessStopped})
	}()

	return nil
}

// Stop shuts the process down, gracefully when the management interface
// accepts the signal, by force after the grace period.
func (o *OpenVPN) Stop(ctx context.Context) error {
	o.mu.Lock()
	cmd := o.cmd
	waitDone := o.waitDone
	if o.mgmtConn != nil {
		_, _ = o.mgmtConn.Write([]byte("signal SIGTERM\n"))
		o.mgmtConn.Close()
		o.mgmtConn = nil
	}
	o.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-waitDone:
	case <-time.After(stopGracePeriod):
		o.logger.Warn("openvpn did not exit in time, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}
	return nil
}

// Events returns the status event stream.
func (o *OpenVPN) Events() <-chan StatusEvent {
	return o.events
}

// Counters returns cumulative traffic counters for the active process.
func (o *OpenVPN) Counters() Counters {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters
}

// ActiveCorrelationID returns the id of the running session, or
// uuid.Nil when no process is active.
func (o *OpenVPN) ActiveCorrelationID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeID
}

var _ Engine = (*OpenVPN)(nil)

// writeConfig materializes the request as an openvpn config file. A
// provided config blob is used verbatim; otherwise a minimal client
// config is synthesized.
func (o *OpenVPN) writeConfig(req StartRequest) (string, error) {
	if err := os.MkdirAll(o.workDir, 0o700); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(o.workDir, "tunnel.ovpn")

	blob := req.ConfigBlob
	if blob == "" {
		var b strings.Builder
		b.WriteString("client\ndev tun\nnobind\npersist-key\npersist-tun\n")
		fmt.Fprintf(&b, "proto %s\n", req.Transport)
		fmt.Fprintf(&b, "remote %s %d\n", req.Address, req.Port)
		if req.Profile != nil {
			writeInlineBlock(&b, "ca", req.Profile.CAPEM)
			writeInlineBlock(&b, "cert", req.Profile.CertPEM)
			writeInlineBlock(&b, "key", req.Profile.KeyPEM)
		}
		blob = b.String()
	}

	if err := os.WriteFile(path, []byte(blob), 0o600); err != nil {
		return "", fmt.Errorf("write openvpn config: %w", err)
	}
	return path, nil
}

func writeInlineBlock(b *strings.Builder, name, pem string) {
	if pem == "" {
		return
	}
	fmt.Fprintf(b, "<%s>\n%s", name, pem)
	if !strings.HasSuffix(pem, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "</%s>\n", name)
}

func (o *OpenVPN) monitorManagement(ctx context.Context) {
	time.Sleep(500 * time.Millisecond)

	addr := net.JoinHostPort(o.mgmtAddr, strconv.Itoa(o.mgmtPort))
	for i := 0; i < 30; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			o.mu.Lock()
			o.mgmtConn = conn
			o.mu.Unlock()
			o.handleManagement(ctx, conn)
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	o.logger.Warn("management interface never came up", "addr", addr)
}

func (o *OpenVPN) handleManagement(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_, _ = conn.Write([]byte("state on\n"))
	_, _ = conn.Write([]byte("bytecount 1\n"))

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			o.logger.Debug("failed to set management read deadline", "error", err)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}
		o.parseManagementLine(strings.TrimSpace(line))
	}
}

// parseManagementLine turns management notifications into status events.
// State lines look like
// >STATE:1234567890,CONNECTED,SUCCESS,10.8.0.2,1.2.3.4 and bytecount
// lines like >BYTECOUNT:123,456 (bytes in, bytes out).
func (o *OpenVPN) parseManagementLine(line string) {
	switch {
	case strings.HasPrefix(line, ">STATE:"):
		parts := strings.Split(strings.TrimPrefix(line, ">STATE:"), ",")
		if len(parts) < 2 {
			return
		}
		reason := ""
		if len(parts) >= 3 {
			reason = parts[2]
		}
		o.emitState(parts[1], reason)

	case strings.HasPrefix(line, ">BYTECOUNT:"):
		parts := strings.Split(strings.TrimPrefix(line, ">BYTECOUNT:"), ",")
		if len(parts) != 2 {
			return
		}
		in, err1 := strconv.ParseUint(parts[0], 10, 64)
		out, err2 := strconv.ParseUint(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return
		}
		o.mu.Lock()
		o.counters = Counters{UploadBytes: out, DownloadBytes: in}
		o.mu.Unlock()

	case strings.HasPrefix(line, ">PASSWORD:Verification Failed"):
		o.emit(StatusEvent{Level: LevelAuthFailed, Log: line})
	}
}

func (o *OpenVPN) emitState(state, reason string) {
	switch state {
	case "RESOLVE", "WAIT", "TCP_CONNECT":
		o.emit(StatusEvent{Level: LevelConnectingNoReply})
	case "AUTH", "GET_CONFIG", "ASSIGN_IP", "ADD_ROUTES":
		o.emit(StatusEvent{Level: LevelConnectingServerReplied})
	case "CONNECTED":
		o.emit(StatusEvent{Level: LevelConnected})
	case "RECONNECTING":
		o.emit(StatusEvent{Tag: TagReconnecting, Log: reason})
	case "EXITING":
		o.emit(StatusEvent{Level: LevelNotConnected, Log: reason})
	default:
		o.logger.Debug("unhandled openvpn state", "state", state)
	}
}

// emit never blocks: the backend consumes quickly, but a wedged
// consumer must not stall the management reader.
func (o *OpenVPN) emit(ev StatusEvent) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warn("dropping status event, consumer too slow", "level", ev.Level, "tag", ev.Tag)
	}
}

func (o *OpenVPN) cleanupLocked() {
	if o.authFile != "" {
		_ = os.Remove(o.authFile)
		o.authFile = ""
	}
}

// writeAuthFile creates a credentials file for --auth-user-pass.
func writeAuthFile(username, password string) (string, error) {
	f, err := os.CreateTemp("", "ovpn-auth-*")
	if err != nil {
		return "", fmt.Errorf("create auth file: %w", err)
	}

	content := fmt.Sprintf("%s\n%s\n", username, password)
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write auth file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod auth file: %w", err)
	}
	f.Close()
	return f.Name(), nil
}

// logWriter forwards process output lines to the logger.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		if line != "" {
			w.logger.Debug(line)
		}
	}
	return len(p), nil
}
