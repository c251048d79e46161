package eip

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"cipmsg/logging"
)

// Identity is the parsed ListIdentity identity item.
type Identity struct {
	EncapsulationVersion uint16
	VendorID             uint16
	DeviceType           uint16
	ProductCode          uint16
	RevisionMajor        byte
	RevisionMinor        byte
	Status               uint16
	SerialNumber         uint32
	ProductName          string
	State                byte

	IP   net.IP
	Port uint16
}

// ListIdentity asks the connected target to identify itself (encapsulation
// command 0x63 over the TCP session). It does not need a registered session.
// Returns zero or more Identity records (usually 1).
func (e *Client) ListIdentity(ctx context.Context) ([]Identity, error) {
	if e == nil {
		return nil, fmt.Errorf("ListIdentity: received nil client")
	}
	// Force atomic transaction
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, fmt.Errorf("ListIdentity: not connected")
	}

	// Conventionally uses session_handle = 0 for ListIdentity.
	resp, err := e.transactEncap(ctx, newEncap(ListIdentity, 0, nil))
	if err != nil {
		return nil, fmt.Errorf("ListIdentity: %w", err)
	}
	if resp.command != ListIdentity {
		return nil, fmt.Errorf("ListIdentity: reply command 0x%04X", resp.command)
	}
	if resp.status != 0 {
		return nil, fmt.Errorf("ListIdentity: encapsulation status=0x%08x", resp.status)
	}

	// TCP responses often carry 0.0.0.0 in the embedded socket address; fall
	// back to the address we dialed.
	idents, err := parseListIdentityPayloadToIdentities(resp.data, remoteIP(e.conn))
	if err != nil {
		return nil, fmt.Errorf("ListIdentity: parse payload: %w", err)
	}

	return idents, nil
}

func remoteIP(conn net.Conn) net.IP {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

// Discover broadcasts a ListIdentity (0x63) request over UDP/44818 and
// collects replies until ctx is done.
//
// broadcastIP can be "255.255.255.255" or a directed broadcast like "192.168.1.255".
// Callers bound the listen window with a context deadline (e.g. 750ms).
func Discover(ctx context.Context, broadcastIP string) ([]Identity, error) {
	// Parse broadcast IP
	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return nil, fmt.Errorf("Discover: invalid broadcast IP: %q", broadcastIP)
	}
	ip = ip.To4()
	if ip == nil {
		return nil, fmt.Errorf("Discover: broadcast IP must be IPv4: %q", broadcastIP)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Second)
		defer cancel()
	}

	// Listen on an ephemeral UDP port on all interfaces
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	uc, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("Discover: ListenUDP: %w", err)
	}
	defer uc.Close()

	_ = uc.SetWriteBuffer(1 << 20)
	_ = uc.SetReadBuffer(1 << 20)

	req := newEncap(ListIdentity, 0, nil)
	raddr := &net.UDPAddr{IP: ip, Port: int(DefaultPort)}
	logging.DebugTX("EIP", req.Bytes())
	if _, err := uc.WriteToUDP(req.Bytes(), raddr); err != nil {
		return nil, fmt.Errorf("Discover: WriteToUDP(ListIdentity): %w", err)
	}

	deadline, _ := ctx.Deadline()
	if err := uc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("Discover: SetReadDeadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = uc.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	return collectIdentities(uc)
}

// collectIdentities reads ListIdentity replies until the socket deadline
// passes, deduplicating by (IP, serial).
func collectIdentities(uc net.PacketConn) ([]Identity, error) {
	type key struct {
		ip     string
		serial uint32
	}
	seen := make(map[key]struct{})
	out := make([]Identity, 0, 8)

	buf := make([]byte, 4096)
	for {
		n, src, err := uc.ReadFrom(buf)
		if err != nil {
			// Timeout is expected; stop collecting
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return nil, fmt.Errorf("Discover: ReadFrom: %w", err)
		}
		logging.DebugRX("EIP", buf[:n])

		hdr, err := parseEncapHeader(buf[:n])
		if err != nil || hdr.command != ListIdentity || hdr.status != 0 {
			continue
		}
		if EncapHeaderLen+int(hdr.length) > n {
			// Truncated packet
			continue
		}
		payload := buf[EncapHeaderLen : EncapHeaderLen+int(hdr.length)]

		var srcIP net.IP
		if ua, ok := src.(*net.UDPAddr); ok {
			srcIP = ua.IP
		}
		idents, err := parseListIdentityPayloadToIdentities(payload, srcIP)
		if err != nil {
			// Ignore malformed replies rather than failing discovery
			logging.DebugLog("EIP", "Discover: ignoring reply from %v: %v", src, err)
			continue
		}

		for _, id := range idents {
			k := key{ip: id.IP.String(), serial: id.SerialNumber}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, id)
		}
	}

	return out, nil
}

// --- Helpers (kept private) ---

func parseListIdentityPayloadToIdentities(p []byte, fallbackIP net.IP) ([]Identity, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("payload too short: %d", len(p))
	}

	count := int(binary.LittleEndian.Uint16(p[0:2]))
	off := 2

	idents := make([]Identity, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(p) {
			return nil, fmt.Errorf("truncated item header at item %d", i)
		}
		itemType := binary.LittleEndian.Uint16(p[off : off+2])
		itemLen := int(binary.LittleEndian.Uint16(p[off+2 : off+4]))
		off += 4

		if off+itemLen > len(p) {
			return nil, fmt.Errorf("truncated item data at item %d", i)
		}
		itemData := p[off : off+itemLen]
		off += itemLen

		if itemType == CpfTypeListIdentityResponseId {
			id, err := parseIdentityItemData(itemData)
			if err != nil {
				return nil, err
			}
			// If identity item didn't yield a valid IP, fall back to UDP src IP
			if id.IP == nil || id.IP.To4() == nil || id.IP.Equal(net.IPv4zero) {
				id.IP = fallbackIP
			}
			idents = append(idents, id)
		}
	}

	return idents, nil
}

func parseIdentityItemData(b []byte) (Identity, error) {
	// Minimum length up to ProductNameLength is 33 bytes (see earlier notes).
	if len(b) < 33 {
		return Identity{}, fmt.Errorf("identity item too short: %d", len(b))
	}
	off := 0

	encapVer := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	// Socket Address (16 bytes): family(2), port(2), addr(4), zero(8)
	if off+16 > len(b) {
		return Identity{}, fmt.Errorf("socket address truncated")
	}
	sock := b[off : off+16]
	off += 16

	port := binary.BigEndian.Uint16(sock[2:4]) // network byte order
	ip := net.IPv4(sock[4], sock[5], sock[6], sock[7])

	vendor := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	devType := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	prodCode := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	revMaj := b[off]
	revMin := b[off+1]
	off += 2

	status := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	serial := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4

	nameLen := int(b[off])
	off++

	if off+nameLen > len(b) {
		return Identity{}, fmt.Errorf("product name truncated: need %d bytes, have %d", nameLen, len(b)-off)
	}
	name := string(b[off : off+nameLen])
	off += nameLen

	if off >= len(b) {
		return Identity{}, fmt.Errorf("missing state byte")
	}
	state := b[off]

	return Identity{
		EncapsulationVersion: encapVer,
		VendorID:             vendor,
		DeviceType:           devType,
		ProductCode:          prodCode,
		RevisionMajor:        revMaj,
		RevisionMinor:        revMin,
		Status:               status,
		SerialNumber:         serial,
		ProductName:          name,
		State:                state,
		IP:                   ip,
		Port:                 port,
	}, nil
}
