package s7

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// TCPProbe checks whether a controller is on the network by opening a TCP
// connection to its S7 port. No session is established.
type TCPProbe struct {
	Port int // Defaults to DefaultPort
}

// Probe reports whether host accepts a TCP connection within timeout.
func (p TCPProbe) Probe(host string, timeout time.Duration) bool {
	port := p.Port
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	conn, err := net.DialTimeout("tcp", hostPort(host, port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ScanResult describes a host that answered the ISO-on-TCP handshake.
type ScanResult struct {
	IP   netip.Addr
	Port int
	Rack int
	Slot int
}

// String returns "ip:port rack/slot".
func (r ScanResult) String() string {
	return fmt.Sprintf("%s rack %d slot %d", netip.AddrPortFrom(r.IP, uint16(r.Port)), r.Rack, r.Slot)
}

// candidateSlots are tried in order: S7-1200/1500 (1, 0) then S7-300/400 (2).
var candidateSlots = []int{1, 0, 2}

// Scan probes every address in cidr for an S7 endpoint by sending a COTP
// connection request. concurrency bounds the number of parallel probes.
// Results are sorted by IP.
func Scan(cidr string, timeout time.Duration, concurrency int) ([]ScanResult, error) {
	ips, err := hosts(cidr)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 20
	}

	var (
		results []ScanResult
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	for _, ip := range ips {
		wg.Add(1)
		sem <- struct{}{}

		go func(ip netip.Addr) {
			defer wg.Done()
			defer func() { <-sem }()

			for _, slot := range candidateSlots {
				if cotpHandshake(ip, DefaultPort, 0, slot, timeout) {
					mu.Lock()
					results = append(results, ScanResult{IP: ip, Port: DefaultPort, Rack: 0, Slot: slot})
					mu.Unlock()
					return
				}
			}
		}(ip)
	}

	wg.Wait()
	slices.SortFunc(results, func(a, b ScanResult) int { return a.IP.Compare(b.IP) })
	return results, nil
}

// COTP constants (ISO 8073) used by the handshake.
const (
	tpktVersion       = 0x03
	cotpCR            = 0xE0
	cotpCC            = 0xD0
	cotpParamTPDUSize = 0xC0
	cotpParamSrcTSAP  = 0xC1
	cotpParamDstTSAP  = 0xC2
)

// cotpHandshake sends a COTP connection request for rack/slot and reports
// whether the peer confirmed it.
func cotpHandshake(ip netip.Addr, port, rack, slot int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", netip.AddrPortFrom(ip, uint16(port)).String(), timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(buildConnectionRequest(rack, slot)); err != nil {
		return false
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil || header[0] != tpktVersion {
		return false
	}
	length := int(header[2])<<8 | int(header[3])
	if length < 7 || length > 1024 {
		return false
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return false
	}
	return len(payload) >= 2 && payload[1] == cotpCC
}

// buildConnectionRequest returns a TPKT-framed COTP CR addressed to rack/slot.
func buildConnectionRequest(rack, slot int) []byte {
	cr := []byte{
		0x00,       // Length indicator, set below
		cotpCR,     // Connection Request
		0x00, 0x00, // Destination reference
		0x00, 0x01, // Source reference
		0x00, // Class/options
		cotpParamSrcTSAP, 0x02, 0x01, 0x00,
		cotpParamDstTSAP, 0x02, 0x01, byte((rack << 5) | slot),
		cotpParamTPDUSize, 0x01, 0x0A, // 1024 bytes
	}
	cr[0] = byte(len(cr) - 1)

	tpkt := make([]byte, 4+len(cr))
	tpkt[0] = tpktVersion
	tpkt[2] = byte(len(tpkt) >> 8)
	tpkt[3] = byte(len(tpkt))
	copy(tpkt[4:], cr)
	return tpkt
}

// maxScanHosts caps a scan at a /16.
const maxScanHosts = 1 << 16

// hosts lists the addresses of an IPv4 prefix, leaving out the network and
// broadcast addresses when the prefix has room for them.
func hosts(cidr string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("CIDR %s: only IPv4 can be scanned", cidr)
	}
	prefix = prefix.Masked()
	size := 1 << (32 - prefix.Bits())
	if size > maxScanHosts {
		return nil, fmt.Errorf("CIDR %s too large to scan", cidr)
	}

	out := make([]netip.Addr, 0, size)
	for a, i := prefix.Addr(), 0; i < size; a, i = a.Next(), i+1 {
		if size > 2 && (i == 0 || i == size-1) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
