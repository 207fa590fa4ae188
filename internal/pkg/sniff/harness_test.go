package sniff

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	testClientAddr = netip.MustParseAddr("10.0.0.2")
	testServerAddr = netip.MustParseAddr("10.0.0.1")
)

const (
	testClientPort = uint16(51000)
	testServerPort = uint16(4433)
)

// buildTCPPacket serializes one raw-IP test packet.
func buildTCPPacket(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16, seq uint32, payload []byte, syn, ack, fin bool) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		SYN:     syn,
		ACK:     ack,
		FIN:     fin,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// flowSim drives one synthetic TCP connection through an engine,
// tracking sequence numbers per direction.
type flowSim struct {
	t   *testing.T
	eng *Sniffer

	clientPort uint16
	clientSeq  uint32
	serverSeq  uint32
}

func newFlowSim(t *testing.T, eng *Sniffer) *flowSim {
	return newFlowSimPort(t, eng, testClientPort)
}

// newFlowSimPort varies the client port so one engine can carry several
// distinct flows in a test.
func newFlowSimPort(t *testing.T, eng *Sniffer, clientPort uint16) *flowSim {
	return &flowSim{t: t, eng: eng, clientPort: clientPort, clientSeq: 1000, serverSeq: 710000}
}

// open feeds the SYN / SYN-ACK pair so both stream bases are pinned.
func (f *flowSim) open() {
	syn := buildTCPPacket(f.t, testClientAddr, testServerAddr, f.clientPort, testServerPort,
		f.clientSeq, nil, true, false, false)
	_, err := f.eng.DecodePacket(syn)
	require.ErrorIs(f.t, err, ErrNoData)
	f.clientSeq++

	synack := buildTCPPacket(f.t, testServerAddr, testClientAddr, testServerPort, f.clientPort,
		f.serverSeq, nil, true, true, false)
	_, err = f.eng.DecodePacket(synack)
	require.ErrorIs(f.t, err, ErrNoData)
	f.serverSeq++
}

// send feeds one data segment and returns the decode result.
func (f *flowSim) send(dir Direction, payload []byte) ([]byte, error) {
	var pkt []byte
	if dir == DirectionClientToServer {
		pkt = buildTCPPacket(f.t, testClientAddr, testServerAddr, f.clientPort, testServerPort,
			f.clientSeq, payload, false, true, false)
		f.clientSeq += uint32(len(payload))
	} else {
		pkt = buildTCPPacket(f.t, testServerAddr, testClientAddr, testServerPort, f.clientPort,
			f.serverSeq, payload, false, true, false)
		f.serverSeq += uint32(len(payload))
	}
	return f.eng.DecodePacket(pkt)
}

// sendInfo is send with a session snapshot.
func (f *flowSim) sendInfo(dir Direction, payload []byte, info *SessionInfo) ([]byte, error) {
	var pkt []byte
	if dir == DirectionClientToServer {
		pkt = buildTCPPacket(f.t, testClientAddr, testServerAddr, f.clientPort, testServerPort,
			f.clientSeq, payload, false, true, false)
		f.clientSeq += uint32(len(payload))
	} else {
		pkt = buildTCPPacket(f.t, testServerAddr, testClientAddr, testServerPort, f.clientPort,
			f.serverSeq, payload, false, true, false)
		f.serverSeq += uint32(len(payload))
	}
	return f.eng.DecodePacketInfo(pkt, info)
}

// chunk is one direction-tagged slice of captured TLS bytes.
type chunk struct {
	dir  Direction
	data []byte
}

// recordingConn tags every Write with a direction and appends it to a
// shared capture log. net.Pipe is synchronous, so the log order matches
// the order the peers observed.
type recordingConn struct {
	net.Conn
	dir Direction
	mu  *sync.Mutex
	log *[]chunk
}

func (rc *recordingConn) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	rc.mu.Lock()
	*rc.log = append(*rc.log, chunk{dir: rc.dir, data: cp})
	rc.mu.Unlock()
	return rc.Conn.Write(b)
}

// captureConns returns a wired client/server conn pair that records all
// traffic into the returned log.
func captureConns() (client, server net.Conn, log *[]chunk, mu *sync.Mutex) {
	c, s := net.Pipe()
	mu = &sync.Mutex{}
	log = &[]chunk{}
	client = &recordingConn{Conn: c, dir: DirectionClientToServer, mu: mu, log: log}
	server = &recordingConn{Conn: s, dir: DirectionServerToClient, mu: mu, log: log}
	return client, server, log, mu
}

// selfSignedRSA generates a key and matching certificate for loopback
// TLS handshakes.
func selfSignedRSA(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sniffer-test"},
		DNSNames:     []string{"sniffer-test.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return key, der
}

// collectSink gathers streamed plaintext per direction.
type collectSink struct {
	mu     sync.Mutex
	client []byte
	server []byte
}

func (cs *collectSink) OnData(_ uuid.UUID, dir Direction, data []byte, _ uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if dir == DirectionClientToServer {
		cs.client = append(cs.client, data...)
	} else {
		cs.server = append(cs.server, data...)
	}
}

// collectObserver records connection notifications.
type collectObserver struct {
	mu    sync.Mutex
	infos []SessionInfo
}

func (co *collectObserver) OnConnection(info *SessionInfo) {
	co.mu.Lock()
	co.infos = append(co.infos, *info)
	co.mu.Unlock()
}

func (co *collectObserver) all() []SessionInfo {
	co.mu.Lock()
	defer co.mu.Unlock()
	out := make([]SessionInfo, len(co.infos))
	copy(out, co.infos)
	return out
}
