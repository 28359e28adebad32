// Package serial provides a Link tunnelled through a SIM800-class cellular
// modem driven by AT commands over a serial port.
//
// The modem is brought up once (SIM, registration), the GPRS bearer is
// re-established on every Connect, and the TCP connection runs in
// transparent mode so protocol bytes pass through unmodified. A single
// reader goroutine drains the port into a buffer; every wait on that buffer
// is a blocking wait with an explicit timeout.
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kabili207/fota-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultBaudRate is the UART speed of the modem.
	DefaultBaudRate = 115200
	// DefaultCommandTimeout bounds ordinary AT commands.
	DefaultCommandTimeout = 2 * time.Second
	// DefaultNetworkTimeout bounds bearer activation and TCP connect.
	DefaultNetworkTimeout = 30 * time.Second
	// DefaultRegistrationTimeout bounds the wait for network registration.
	DefaultRegistrationTimeout = 60 * time.Second
	// DefaultPollInterval is the pause between registration queries.
	DefaultPollInterval = time.Second
	// DefaultGuardTime is the silence required around the +++ escape.
	DefaultGuardTime = time.Second

	readBufSize = 1024
	syncTries   = 3
)

var (
	// ErrCommandFailed is returned when the modem answers ERROR or FAIL.
	ErrCommandFailed = errors.New("serial: AT command failed")
	// ErrNoSIM is returned when the SIM card is not ready.
	ErrNoSIM = errors.New("serial: SIM card not ready")
	// ErrNotRegistered is returned when the modem never registers.
	ErrNotRegistered = errors.New("serial: network registration failed")
	// ErrBusy is returned by commands issued while the link is in data mode.
	ErrBusy = errors.New("serial: link is in data mode")
)

// OpenFunc opens the serial port.
type OpenFunc func(port string, baud int) (io.ReadWriteCloser, error)

func openPort(port string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(port, &serial.Mode{BaudRate: baud})
}

// Config holds the configuration for a modem link.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Addr is the update server, host:port.
	Addr string
	// APN, APNUser and APNPassword configure the GPRS bearer.
	APN         string
	APNUser     string
	APNPassword string

	CommandTimeout      time.Duration
	NetworkTimeout      time.Duration
	RegistrationTimeout time.Duration
	PollInterval        time.Duration
	GuardTime           time.Duration

	// Open overrides how the port is opened. Defaults to go.bug.st/serial.
	Open OpenFunc
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Link implements transport.Link over an AT-command modem.
type Link struct {
	cfg Config
	log *slog.Logger

	// opMu serializes command sequences.
	opMu        sync.Mutex
	initialized bool

	mu           sync.Mutex
	port         io.ReadWriteCloser
	buf          []byte
	readErr      error
	dataMode     bool
	readerDone   chan struct{}
	stateHandler transport.StateHandler
	// everConnected marks later Connect calls as reconnects.
	everConnected bool

	notify chan struct{}
}

// New creates a modem link with the given configuration.
func New(cfg Config) *Link {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GuardTime <= 0 {
		cfg.GuardTime = DefaultGuardTime
	}
	if cfg.Open == nil {
		cfg.Open = openPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Link{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("serial"),
		notify: make(chan struct{}, 1),
	}
}

// Connect brings the modem up if needed, activates the bearer and opens
// the TCP connection to the server in transparent mode. A failed attempt
// fires EventError; a Connect after an earlier connection fires
// EventReconnecting first.
func (l *Link) Connect(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if l.IsConnected() {
		return nil
	}
	l.mu.Lock()
	again := l.everConnected
	l.mu.Unlock()
	if again {
		l.fire(transport.EventReconnecting)
	}
	if err := l.connect(ctx); err != nil {
		l.fire(transport.EventError)
		return err
	}

	l.mu.Lock()
	l.dataMode = true
	l.everConnected = true
	l.mu.Unlock()

	l.log.Info("connected to server", "addr", l.cfg.Addr)
	l.fire(transport.EventConnected)
	return nil
}

func (l *Link) connect(ctx context.Context) error {
	host, port, err := net.SplitHostPort(l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("invalid server address %q: %w", l.cfg.Addr, err)
	}
	if err := l.open(); err != nil {
		return err
	}
	if !l.initialized {
		if err := l.initModem(ctx); err != nil {
			return err
		}
		l.initialized = true
	}
	if err := l.bringUpBearer(ctx); err != nil {
		return err
	}

	cmd := fmt.Sprintf(`AT+CIPSTART="TCP","%s","%s"`, host, port)
	if _, err := l.command(cmd, "CONNECT", l.cfg.NetworkTimeout); err != nil {
		return fmt.Errorf("opening TCP connection: %w", err)
	}
	return nil
}

func (l *Link) fire(ev transport.Event) {
	l.mu.Lock()
	handler := l.stateHandler
	l.mu.Unlock()
	if handler != nil {
		handler(l, ev)
	}
}

// Close leaves data mode and shuts the TCP connection and bearer down.
// The serial port stays open for the next Connect.
func (l *Link) Close() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	wasConnected := l.dataMode
	l.dataMode = false
	port := l.port
	handler := l.stateHandler
	l.mu.Unlock()

	if port == nil {
		return nil
	}
	if wasConnected {
		l.escape()
	}
	_, _ = l.command("AT+CIPCLOSE", "CLOSE OK", l.cfg.CommandTimeout)
	_, err := l.command("AT+CIPSHUT", "SHUT OK", l.cfg.NetworkTimeout)

	if wasConnected && handler != nil {
		handler(l, transport.EventDisconnected)
	}
	return err
}

// Stop closes the link and the serial port.
func (l *Link) Stop() error {
	closeErr := l.Close()

	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.mu.Lock()
	port, done := l.port, l.readerDone
	l.port = nil
	l.initialized = false
	l.mu.Unlock()

	if port == nil {
		return closeErr
	}
	err := port.Close()
	if done != nil {
		<-done
	}
	if closeErr != nil {
		return closeErr
	}
	return err
}

// IsConnected returns true while the TCP connection is in data mode.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dataMode
}

// SetStateHandler sets the callback for link state changes.
func (l *Link) SetStateHandler(fn transport.StateHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateHandler = fn
}

// Send writes p through the transparent connection.
func (l *Link) Send(p []byte) error {
	if !l.IsConnected() {
		return transport.ErrNotConnected
	}
	return l.write(p)
}

// ReceiveUntil returns the data up to delim. A CLOSED notification from
// the modem ends the connection.
func (l *Link) ReceiveUntil(delim byte, timeout time.Duration) ([]byte, error) {
	if !l.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	line, err := l.take(timeout, func(buf []byte) (int, int, error) {
		i := bytes.IndexByte(buf, delim)
		if i < 0 {
			if len(buf) > transport.MaxLineLength {
				return 0, 0, transport.ErrLineTooLong
			}
			return -1, 0, nil
		}
		return i, i + 1, nil
	})
	if err != nil {
		return nil, err
	}
	if delim == '\n' && string(bytes.TrimSpace(line)) == "CLOSED" {
		l.lostConnection(errors.New("closed by peer"))
		return nil, fmt.Errorf("%w: closed by peer", transport.ErrNotConnected)
	}
	return line, nil
}

// ReceiveN returns exactly n bytes.
func (l *Link) ReceiveN(n int, timeout time.Duration) ([]byte, error) {
	if !l.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	return l.take(timeout, func(buf []byte) (int, int, error) {
		if len(buf) < n {
			return -1, 0, nil
		}
		return n, n, nil
	})
}

// SignalQuality returns the RSSI reported by AT+CSQ (0-31, 99 unknown).
// It is only available while the link is not in data mode.
func (l *Link) SignalQuality() (int, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	if l.IsConnected() {
		return 0, ErrBusy
	}
	if err := l.open(); err != nil {
		return 0, err
	}
	lines, err := l.command("AT+CSQ", "OK", l.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		if rssi, ok := parseCSQ(line); ok {
			return rssi, nil
		}
	}
	return 0, fmt.Errorf("%w: no +CSQ in response", ErrCommandFailed)
}

func (l *Link) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil {
		return nil
	}
	if l.cfg.Port == "" {
		return errors.New("serial port is required")
	}
	port, err := l.cfg.Open(l.cfg.Port, l.cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}
	l.port = port
	l.buf = nil
	l.readErr = nil
	l.readerDone = make(chan struct{})
	go l.readLoop(port, l.readerDone)
	l.log.Info("opened modem port", "port", l.cfg.Port, "baud", l.cfg.BaudRate)
	return nil
}

func (l *Link) initModem(ctx context.Context) error {
	var err error
	for i := 0; i < syncTries; i++ {
		if _, err = l.command("AT", "OK", l.cfg.CommandTimeout); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}
	if _, err := l.command("ATE0", "OK", l.cfg.CommandTimeout); err != nil {
		return err
	}

	lines, err := l.command("AT+CPIN?", "OK", 5*time.Second)
	if err != nil || !containsAny(lines, "READY") {
		return fmt.Errorf("%w: %v", ErrNoSIM, lines)
	}
	if err := l.waitRegistered(ctx); err != nil {
		return err
	}
	if rssi, ok := l.signalQuality(); ok {
		l.log.Info("modem ready", "rssi", rssi)
	}
	return nil
}

func (l *Link) signalQuality() (int, bool) {
	lines, err := l.command("AT+CSQ", "OK", l.cfg.CommandTimeout)
	if err != nil {
		return 0, false
	}
	for _, line := range lines {
		if rssi, ok := parseCSQ(line); ok {
			return rssi, true
		}
	}
	return 0, false
}

func (l *Link) waitRegistered(ctx context.Context) error {
	deadline := time.Now().Add(l.cfg.RegistrationTimeout)
	for {
		lines, err := l.command("AT+CREG?", "OK", l.cfg.CommandTimeout)
		if err == nil && registered(lines) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %v", ErrNotRegistered, lines)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

func (l *Link) bringUpBearer(ctx context.Context) error {
	if err := l.waitRegistered(ctx); err != nil {
		return err
	}
	lines, err := l.command("AT+CGATT?", "OK", l.cfg.CommandTimeout)
	if err != nil || !containsAny(lines, "+CGATT: 1") {
		if _, err := l.command("AT+CGATT=1", "OK", l.cfg.NetworkTimeout); err != nil {
			return fmt.Errorf("attaching GPRS: %w", err)
		}
	}

	// Clear any previous IP context before configuring a new one.
	if _, err := l.command("AT+CIPSHUT", "SHUT OK", l.cfg.NetworkTimeout); err != nil {
		return err
	}
	if _, err := l.command("AT+CIPMUX=0", "OK", l.cfg.CommandTimeout); err != nil {
		return err
	}
	if _, err := l.command("AT+CIPMODE=1", "OK", l.cfg.CommandTimeout); err != nil {
		return err
	}
	if _, err := l.command(apnCommand(l.cfg.APN, l.cfg.APNUser, l.cfg.APNPassword), "OK", l.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("setting APN: %w", err)
	}
	if _, err := l.command("AT+CIICR", "OK", l.cfg.NetworkTimeout); err != nil {
		return fmt.Errorf("activating bearer: %w", err)
	}
	// AT+CIFSR answers with the bare address and no OK.
	lines, err = l.command("AT+CIFSR", ".", l.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("reading local address: %w", err)
	}
	l.log.Debug("bearer up", "ip", lines[len(lines)-1])
	return nil
}

// escape switches the modem from data mode back to command mode.
func (l *Link) escape() {
	l.discard()
	time.Sleep(l.cfg.GuardTime)
	if err := l.write([]byte("+++")); err != nil {
		return
	}
	time.Sleep(l.cfg.GuardTime)
	deadline := time.Now().Add(l.cfg.CommandTimeout)
	for time.Now().Before(deadline) {
		line, err := l.readLine(time.Until(deadline))
		if err != nil || line == "OK" {
			return
		}
	}
}

// command sends an AT command and collects response lines until one
// contains want. ERROR and FAIL responses fail the command.
func (l *Link) command(cmd, want string, timeout time.Duration) ([]string, error) {
	l.log.Debug("at command", "cmd", cmd)
	if err := l.write([]byte(cmd + "\r\n")); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	var lines []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return lines, fmt.Errorf("%s: %w", cmd, transport.ErrTimeout)
		}
		line, err := l.readLine(remaining)
		if err != nil {
			return lines, fmt.Errorf("%s: %w", cmd, err)
		}
		if line == "" || line == cmd {
			continue
		}
		lines = append(lines, line)
		if isFailure(line) {
			return lines, fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd, line)
		}
		if strings.Contains(line, want) {
			return lines, nil
		}
	}
}

func (l *Link) readLine(timeout time.Duration) (string, error) {
	b, err := l.take(timeout, func(buf []byte) (int, int, error) {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return -1, 0, nil
		}
		return i, i + 1, nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// take waits until extract finds a complete item at the start of the
// receive buffer. extract returns the item length and how many bytes to
// consume, or a negative length when more data is needed.
func (l *Link) take(timeout time.Duration, extract func(buf []byte) (int, int, error)) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		l.mu.Lock()
		n, consumed, err := extract(l.buf)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		if n >= 0 {
			item := append([]byte(nil), l.buf[:n]...)
			l.buf = append(l.buf[:0], l.buf[consumed:]...)
			l.mu.Unlock()
			return item, nil
		}
		readErr := l.readErr
		l.mu.Unlock()

		if readErr != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrNotConnected, readErr)
		}
		select {
		case <-l.notify:
		case <-timer.C:
			return nil, transport.ErrTimeout
		}
	}
}

func (l *Link) discard() {
	l.mu.Lock()
	l.buf = l.buf[:0]
	l.mu.Unlock()
}

func (l *Link) write(p []byte) error {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return transport.ErrNotConnected
	}
	if _, err := port.Write(p); err != nil {
		l.lostConnection(err)
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// readLoop drains the port into the receive buffer until it fails.
func (l *Link) readLoop(port io.Reader, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufSize)
	for {
		n, err := port.Read(buf)
		l.mu.Lock()
		if n > 0 {
			l.buf = append(l.buf, buf[:n]...)
		}
		if err != nil {
			l.readErr = err
		}
		l.mu.Unlock()

		select {
		case l.notify <- struct{}{}:
		default:
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				l.log.Error("serial read error", "error", err)
				l.fire(transport.EventError)
			}
			l.lostConnection(err)
			return
		}
	}
}

func (l *Link) lostConnection(err error) {
	l.mu.Lock()
	wasConnected := l.dataMode
	l.dataMode = false
	handler := l.stateHandler
	l.mu.Unlock()

	if !wasConnected {
		return
	}
	l.log.Warn("server connection lost", "error", err)
	if handler != nil {
		handler(l, transport.EventDisconnected)
	}
}

func apnCommand(apn, user, password string) string {
	cmd := `AT+CSTT="` + apn + `"`
	if user != "" {
		cmd += `,"` + user + `"`
		if password != "" {
			cmd += `,"` + password + `"`
		}
	}
	return cmd
}

func isFailure(line string) bool {
	return line == "ERROR" || strings.Contains(line, "FAIL") || strings.HasPrefix(line, "+CME ERROR")
}

func containsAny(lines []string, s string) bool {
	for _, line := range lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// registered reports whether a +CREG response shows home (1) or roaming (5)
// registration.
func registered(lines []string) bool {
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, "+CREG:")
		if !ok {
			continue
		}
		fields := strings.Split(strings.TrimSpace(rest), ",")
		if len(fields) < 2 {
			continue
		}
		switch strings.TrimSpace(fields[1]) {
		case "1", "5":
			return true
		}
	}
	return false
}

func parseCSQ(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, "+CSQ:")
	if !ok {
		return 0, false
	}
	rssi, _, _ := strings.Cut(strings.TrimSpace(rest), ",")
	n, err := strconv.Atoi(rssi)
	if err != nil {
		return 0, false
	}
	return n, true
}
