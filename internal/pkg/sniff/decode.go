package sniff

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/valyala/bytebufferpool"
)

// packetMeta is the TCP/IP surface of one captured packet.
type packetMeta struct {
	src, dst           netip.Addr
	srcPort, dstPort   uint16
	seq                uint32
	syn, ack, fin, rst bool
	payload            []byte
}

// parsePacket peels the packet down to its TCP segment. The link layer
// is detected from the first byte: an IP version nibble means a raw IP
// capture, anything else is treated as Ethernet.
func parsePacket(pkt []byte) (*packetMeta, error) {
	if len(pkt) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrBadInput)
	}
	var first gopacket.LayerType
	switch pkt[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		first = layers.LayerTypeEthernet
	}
	packet := gopacket.NewPacket(pkt, first, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	meta := &packetMeta{}
	switch nl := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		meta.src = addrFromIP(nl.SrcIP)
		meta.dst = addrFromIP(nl.DstIP)
	case *layers.IPv6:
		meta.src = addrFromIP(nl.SrcIP)
		meta.dst = addrFromIP(nl.DstIP)
	default:
		return nil, fmt.Errorf("%w: no IP layer", ErrBadInput)
	}

	tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil, fmt.Errorf("%w: no TCP layer", ErrBadInput)
	}
	meta.srcPort = uint16(tcp.SrcPort)
	meta.dstPort = uint16(tcp.DstPort)
	meta.seq = tcp.Seq
	meta.syn, meta.ack, meta.fin, meta.rst = tcp.SYN, tcp.ACK, tcp.FIN, tcp.RST
	meta.payload = tcp.Payload
	if !meta.src.IsValid() || !meta.dst.IsValid() {
		return nil, fmt.Errorf("%w: unparsable addresses", ErrBadInput)
	}
	return meta, nil
}

func addrFromIP(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// DecodePacket feeds one captured packet (raw IP or Ethernet framing)
// into the engine and returns any application plaintext it completed.
// ErrNoData means the packet was consumed without producing plaintext;
// that is the normal answer for handshake and partial-record traffic.
func (eng *Sniffer) DecodePacket(pkt []byte) ([]byte, error) {
	return eng.DecodePacketInfo(pkt, nil)
}

// DecodePacketInfo is DecodePacket that additionally snapshots the
// packet's session into info.
func (eng *Sniffer) DecodePacketInfo(pkt []byte, info *SessionInfo) ([]byte, error) {
	if eng.closed.Load() {
		return nil, ErrClosed
	}
	meta, err := parsePacket(pkt)
	if err != nil {
		eng.counters.decodeFails.Add(1)
		return nil, err
	}

	now := time.Now()
	key := FlowKey{
		ClientAddr: meta.src, ClientPort: meta.srcPort,
		ServerAddr: meta.dst, ServerPort: meta.dstPort,
	}

	var (
		sess *session
		dir  Direction
	)
	for {
		var ok bool
		sess, dir, ok = eng.table.lookup(key)
		if !ok {
			sess, err = eng.createSession(key, meta, now)
			if err != nil {
				return nil, err
			}
			dir = DirectionClientToServer
			if key != sess.key {
				dir = DirectionServerToClient
			}
		}
		sess.mu.Lock()
		if !sess.removed {
			break
		}
		// Lost a race with eviction or the janitor; the session's buffers
		// are gone. Look again.
		sess.mu.Unlock()
	}
	if meta.syn {
		// Data begins at ISN+1.
		sess.half(dir).stream.SetBase(meta.seq + 1)
	}
	res := sess.processSegment(eng, dir, meta.seq, meta.payload, meta.fin, meta.rst, now)
	mem := sess.memoryFootprint()
	delta := mem - sess.accountedMemory
	sess.accountedMemory = mem
	if info != nil {
		sess.fillInfo(info)
	}
	sess.mu.Unlock()

	if delta != 0 {
		eng.table.memory.Add(delta)
	}
	if res.missedBytes > 0 {
		eng.table.missed.Add(res.missedBytes)
	}

	if len(res.deliveries) > 0 && eng.cfg.DataSink != nil {
		for _, d := range res.deliveries {
			eng.cfg.DataSink.OnData(sess.id, d.dir, d.data, d.offset)
		}
	}
	if (res.established || res.degraded) && eng.cfg.ConnectionObserver != nil {
		var ci SessionInfo
		sess.mu.Lock()
		sess.fillInfo(&ci)
		sess.mu.Unlock()
		eng.cfg.ConnectionObserver.OnConnection(&ci)
	}
	if res.closed {
		eng.table.remove(sess)
	}
	eng.maybeRecover()

	if len(res.plaintext) > 0 {
		return res.plaintext, nil
	}
	if res.err != nil {
		return nil, res.err
	}
	return nil, ErrNoData
}

// createSession orients a new flow and inserts it, evicting under
// recovery if the table is full.
func (eng *Sniffer) createSession(key FlowKey, meta *packetMeta, now time.Time) (*session, error) {
	ckey := key
	switch {
	case meta.syn && meta.ack:
		// SYN-ACK: the sender is the server.
		ckey = key.reversed()
	case meta.syn:
		// The sender is the client.
	case looksLikeServerHello(meta.payload):
		// Mid-capture pickup with the reply seen first.
		ckey = key.reversed()
	}
	sess, err := eng.table.create(ckey, now)
	if err != nil && eng.recoverForCreate() {
		sess, err = eng.table.create(ckey, now)
	}
	return sess, err
}

// looksLikeServerHello sniffs a handshake record whose first message is
// a ServerHello, which orients sessions created mid-handshake.
func looksLikeServerHello(b []byte) bool {
	return len(b) >= 6 &&
		b[0] == ContentTypeHandshake &&
		b[1] == 0x03 &&
		b[5] == HandshakeTypeServerHello
}

// DecodeChain is DecodePacketInfo over a scattered packet, for callers
// whose capture path hands out header and payload fragments separately.
// The fragments are flattened through a pooled buffer.
func (eng *Sniffer) DecodeChain(chain net.Buffers, info *SessionInfo) ([]byte, error) {
	if len(chain) == 1 {
		return eng.DecodePacketInfo(chain[0], info)
	}
	total := 0
	for _, b := range chain {
		total += len(b)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrBadInput)
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for _, b := range chain {
		_, _ = buf.Write(b)
	}
	return eng.DecodePacketInfo(buf.B, info)
}
