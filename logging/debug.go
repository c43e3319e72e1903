package logging

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugLogger writes verbose protocol traces with hex dumps. It is meant for
// troubleshooting controller links: refused sessions, dropped connections,
// unexpected replies.
type DebugLogger struct {
	w       io.Writer
	closer  io.Closer
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Empty = log all
}

// KnownProtocols lists the protocol names components log under.
var KnownProtocols = []string{
	"app",
	"s7", "s7/scan",
	"link", "session", "tagio", "poll",
	"api",
	"mqtt", "valkey", "kafka", "stream",
}

// filterGroups expands a filter name to the protocols it covers.
var filterGroups = map[string][]string{
	"s7":    {"s7/scan"},
	"sinks": {"mqtt", "valkey", "kafka", "stream", "api"},
	"core":  {"link", "session", "tagio"},
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated so each run starts clean.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	l := &DebugLogger{w: file, closer: file, filters: make(map[string]bool)}
	l.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// NewDebugWriter creates a debug logger on w. Close does not close w.
func NewDebugWriter(w io.Writer) *DebugLogger {
	return &DebugLogger{w: w, filters: make(map[string]bool)}
}

// SetFilter restricts logging to a comma-separated list of protocols.
// Group names ("sinks", "core") expand to their members. Matching is
// case-insensitive; an empty filter logs everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, member := range filterGroups[p] {
			l.filters[member] = true
		}
	}

	if len(l.filters) > 0 {
		names := make([]string, 0, len(l.filters))
		for p := range l.filters {
			names = append(names, p)
		}
		sort.Strings(names)
		l.writeLine("debug", "Filtering enabled for protocols: "+strings.Join(names, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	return p == "debug" || l.filters[p]
}

// writeLine must be called with l.mu held.
func (l *DebugLogger) writeLine(protocol, msg string) {
	fmt.Fprintf(l.w, "%s [%s] %s\n", time.Now().Format(timestampFormat), protocol, msg)
}

// Log writes a formatted message tagged with protocol.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	l.writeLine(protocol, fmt.Sprintf(format, args...))
}

// LogTX logs transmitted bytes with a hex dump.
func (l *DebugLogger) LogTX(protocol string, data []byte) {
	l.logPacket(protocol, "TX", data)
}

// LogRX logs received bytes with a hex dump.
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
	l.writeLine(protocol, fmt.Sprintf("%s (%d bytes):", direction, len(data)))
	fmt.Fprintln(l.w, hexDump(data))
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
	l.writeLine("debug", "Debug logging ended")
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// hexDump renders data in hexdump -C layout, indented by four spaces.
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}
	lines := strings.Split(strings.TrimSuffix(hex.Dump(data), "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}

// SetGlobalDebugLogger installs the debug logger used by the Debug* helpers.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the installed debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(protocol, format string, args ...interface{}) {
	GetGlobalDebugLogger().Log(protocol, format, args...)
}

// DebugTX logs transmitted data if debug logging is enabled.
func DebugTX(protocol string, data []byte) {
	GetGlobalDebugLogger().LogTX(protocol, data)
}

// DebugRX logs received data if debug logging is enabled.
func DebugRX(protocol string, data []byte) {
	GetGlobalDebugLogger().LogRX(protocol, data)
}

// DebugConnect logs a connection attempt.
func DebugConnect(protocol, address string) {
	DebugLog(protocol, "CONNECT to %s", address)
}

// DebugConnectSuccess logs an established connection.
func DebugConnectSuccess(protocol, address, details string) {
	DebugLog(protocol, "CONNECTED to %s - %s", address, details)
}

// DebugConnectError logs a failed connection attempt.
func DebugConnectError(protocol, address string, err error) {
	DebugLog(protocol, "CONNECT FAILED to %s: %v", address, err)
}

// DebugDisconnect logs a disconnection.
func DebugDisconnect(protocol, address, reason string) {
	DebugLog(protocol, "DISCONNECT from %s: %s", address, reason)
}

// DebugError logs an error with context.
func DebugError(protocol, context string, err error) {
	DebugLog(protocol, "ERROR in %s: %v", context, err)
}
