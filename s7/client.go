package s7

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"s7link/logging"
)

// DefaultPort is the ISO-on-TCP port S7 controllers listen on.
const DefaultPort = 102

// Client is a byte-range transport to an S7 controller built on gos7.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	timeout   time.Duration
	connected bool
	mu        sync.Mutex
}

// options holds configuration options for Connect.
type options struct {
	rack    int
	slot    int
	port    int
	timeout time.Duration
}

// Option is a functional option for Connect.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// S7-1200/1500 use rack 0 slot 1 (or 0); S7-300/400 use the slot the CPU
// is placed in, usually 2.
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithPort overrides the TCP port (default 102).
func WithPort(port int) Option {
	return func(o *options) {
		if port > 0 {
			o.port = port
		}
	}
}

// WithTimeout configures the connection and request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Connect establishes a session with an S7 PLC at the given host.
func Connect(host string, opts ...Option) (*Client, error) {
	cfg := &options{
		rack:    0,
		slot:    1,
		port:    DefaultPort,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	address := hostPort(host, cfg.port)
	logging.DebugConnect("s7", address)

	handler := gos7.NewTCPClientHandler(address, cfg.rack, cfg.slot)
	handler.Timeout = cfg.timeout
	handler.IdleTimeout = cfg.timeout

	if err := handler.Connect(); err != nil {
		logging.DebugConnectError("s7", address, err)
		return nil, fmt.Errorf("s7 connect %s: %w", address, err)
	}

	logging.DebugConnectSuccess("s7", address, fmt.Sprintf("rack %d slot %d", cfg.rack, cfg.slot))

	return &Client{
		handler:   handler,
		client:    gos7.NewClient(handler),
		address:   address,
		rack:      cfg.rack,
		slot:      cfg.slot,
		timeout:   cfg.timeout,
		connected: true,
	}, nil
}

// hostPort adds the port to host unless one is already present.
func hostPort(host string, port int) string {
	if h, p, err := net.SplitHostPort(host); err == nil {
		if p == "" {
			return net.JoinHostPort(h, strconv.Itoa(port))
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Close releases all resources associated with the client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	logging.DebugDisconnect("s7", c.address, "closed by caller")
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}

// IsConnected returns true if the client believes the link is up.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectionMode returns a human-readable string describing the connection.
func (c *Client) ConnectionMode() string {
	if c == nil {
		return "Not connected"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Sprintf("S7 Connected (Rack %d, Slot %d)", c.rack, c.slot)
	}
	return "Disconnected"
}

// ReadRange reads length bytes starting at offset from the given area.
// block is used only for AreaDataBlock.
func (c *Client) ReadRange(area Area, block, offset, length int) ([]byte, error) {
	if c == nil || c.client == nil {
		return nil, NewTransportError("read", area, block, offset, length, ErrUnreachable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, NewTransportError("read", area, block, offset, length, ErrUnreachable)
	}

	buf := make([]byte, length)
	var err error
	switch area {
	case AreaDataBlock:
		err = c.client.AGReadDB(block, offset, length, buf)
	case AreaInput:
		err = c.client.AGReadEB(offset, length, buf)
	case AreaOutput:
		err = c.client.AGReadAB(offset, length, buf)
	case AreaMarker:
		err = c.client.AGReadMB(offset, length, buf)
	default:
		return nil, NewTransportError("read", area, block, offset, length,
			fmt.Errorf("%w: unsupported area %v", ErrProtocol, area))
	}

	if err != nil {
		logging.DebugError("s7", fmt.Sprintf("read %s%d+%d", area, block, offset), err)
		if IsConnectionError(err) {
			c.connected = false
		}
		return nil, NewTransportError("read", area, block, offset, length, err)
	}

	logging.DebugRX("s7", buf)
	return buf, nil
}

// WriteRange writes data starting at offset in the given area.
// block is used only for AreaDataBlock.
func (c *Client) WriteRange(area Area, block, offset int, data []byte) error {
	if c == nil || c.client == nil {
		return NewTransportError("write", area, block, offset, len(data), ErrUnreachable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return NewTransportError("write", area, block, offset, len(data), ErrUnreachable)
	}

	logging.DebugTX("s7", data)

	var err error
	switch area {
	case AreaDataBlock:
		err = c.client.AGWriteDB(block, offset, len(data), data)
	case AreaInput:
		err = c.client.AGWriteEB(offset, len(data), data)
	case AreaOutput:
		err = c.client.AGWriteAB(offset, len(data), data)
	case AreaMarker:
		err = c.client.AGWriteMB(offset, len(data), data)
	default:
		return NewTransportError("write", area, block, offset, len(data),
			fmt.Errorf("%w: unsupported area %v", ErrProtocol, area))
	}

	if err != nil {
		logging.DebugError("s7", fmt.Sprintf("write %s%d+%d", area, block, offset), err)
		if IsConnectionError(err) {
			c.connected = false
		}
		return NewTransportError("write", area, block, offset, len(data), err)
	}
	return nil
}

// GetCPUInfo returns information about the connected CPU.
func (c *Client) GetCPUInfo() (*CPUInfo, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("GetCPUInfo: nil client")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := c.client.GetCPUInfo()
	if err != nil {
		return nil, err
	}

	return &CPUInfo{
		ModuleTypeName: info.ModuleTypeName,
		SerialNumber:   info.SerialNumber,
		ASName:         info.ASName,
		Copyright:      info.Copyright,
		ModuleName:     info.ModuleName,
	}, nil
}

// CPUInfo identifies the CPU behind a connection.
type CPUInfo struct {
	ModuleTypeName string `json:"module_type"`
	SerialNumber   string `json:"serial_number"`
	ASName         string `json:"as_name,omitempty"`
	Copyright      string `json:"copyright,omitempty"`
	ModuleName     string `json:"module_name,omitempty"`
}
