package logging

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05.000"

// DebugLogger writes protocol-tagged trace lines and frame hex dumps. It is
// meant for troubleshooting the wire: dropped sessions, malformed replies and
// status errors. Safe for concurrent use.
type DebugLogger struct {
	w       io.Writer
	closer  io.Closer
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty = log all
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// Protocol tags understood by SetFilter.
var knownProtocols = []string{
	"eip",
	"cip",
	"mqtt",
	"kafka",
	"valkey",
	"cipctl",
}

// related protocols are enabled together: a CIP trace is unreadable without
// the encapsulation frames around it.
var related = map[string][]string{
	"eip": {"cip"},
	"cip": {"eip"},
}

// KnownProtocols returns the protocol tags accepted by SetFilter.
func KnownProtocols() []string {
	return slices.Clone(knownProtocols)
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated so each run starts clean.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	l := NewDebugWriter(file)
	l.closer = file
	return l, nil
}

// NewDebugWriter creates a debug logger on an arbitrary writer. Close does
// not close w.
func NewDebugWriter(w io.Writer) *DebugLogger {
	l := &DebugLogger{
		w:       w,
		filters: make(map[string]bool),
	}
	l.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l
}

// SetFilter restricts logging to a comma-separated list of protocols,
// matched case-insensitively. Empty means log everything. Unknown names are
// returned so the caller can warn about them.
func (l *DebugLogger) SetFilter(filter string) (unknown []string) {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if !slices.Contains(knownProtocols, p) {
			unknown = append(unknown, p)
		}
		l.filters[p] = true
		for _, r := range related[p] {
			l.filters[r] = true
		}
	}

	if len(l.filters) > 0 && !l.closed {
		list := make([]string, 0, len(l.filters))
		for p := range l.filters {
			list = append(list, p)
		}
		sort.Strings(list)
		fmt.Fprintf(l.w, "%s [DEBUG] Filtering enabled for protocols: %s\n",
			time.Now().Format(timeLayout), strings.Join(list, ", "))
	}
	return unknown
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	return l.filters[p] || p == "debug"
}

// SetGlobalDebugLogger installs the logger used by the package-level Debug*
// functions. nil disables debug logging.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and protocol prefix.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s\n", time.Now().Format(timeLayout), protocol, fmt.Sprintf(format, args...))
}

// LogTX logs a transmitted frame with hex dump.
func (l *DebugLogger) LogTX(protocol string, data []byte) {
	l.logPacket(protocol, "TX", data)
}

// LogRX logs a received frame with hex dump.
func (l *DebugLogger) LogRX(protocol string, data []byte) {
	l.logPacket(protocol, "RX", data)
}

func (l *DebugLogger) logPacket(protocol, direction string, data []byte) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s (%d bytes):\n%s\n",
		time.Now().Format(timeLayout), protocol, direction, len(data), hexDump(data))
}

func (l *DebugLogger) LogConnect(protocol, address string) {
	l.Log(protocol, "CONNECT to %s", address)
}

func (l *DebugLogger) LogConnectSuccess(protocol, address, details string) {
	l.Log(protocol, "CONNECTED to %s - %s", address, details)
}

func (l *DebugLogger) LogConnectError(protocol, address string, err error) {
	l.Log(protocol, "CONNECT FAILED to %s: %v", address, err)
}

func (l *DebugLogger) LogDisconnect(protocol, address, reason string) {
	l.Log(protocol, "DISCONNECT from %s: %s", address, reason)
}

func (l *DebugLogger) LogError(protocol, context string, err error) {
	l.Log(protocol, "ERROR in %s: %v", context, err)
}

// Close writes a footer and closes the underlying file, if any.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	fmt.Fprintf(l.w, "%s [DEBUG] Debug logging ended\n", time.Now().Format(timeLayout))
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// hexDump formats data as offset, two groups of eight hex bytes and ASCII:
//
//	0000: 65 00 04 00 00 00 00 00  00 00 00 00 00 00 00 00  e...............
//	0010: 00 00 00 00 01 00 00 00                          ........
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
			if i == 7 || i == 15 {
				sb.WriteByte(' ')
			}
		}
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// Package-level helpers used by the protocol packages. All are no-ops until
// SetGlobalDebugLogger is called.

func DebugLog(protocol, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(protocol, format, args...)
	}
}

func DebugTX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(protocol, data)
	}
}

func DebugRX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(protocol, data)
	}
}

func DebugConnect(protocol, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(protocol, address)
	}
}

func DebugConnectSuccess(protocol, address, details string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectSuccess(protocol, address, details)
	}
}

func DebugConnectError(protocol, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(protocol, address, err)
	}
}

func DebugDisconnect(protocol, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(protocol, address, reason)
	}
}

func DebugError(protocol, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(protocol, context, err)
	}
}
