package sniff

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cconlon/tlstap/internal/pkg/keystore"
)

// runHandshake drives one loopback TLS connection over a recorded pipe
// pair and returns the captured wire traffic in arrival order. The
// client sends clientMsg, the server answers serverMsg, then the client
// closes with close_notify.
func runHandshake(t *testing.T, cliCfg, srvCfg *tls.Config, clientMsg, serverMsg string) []chunk {
	t.Helper()
	clientConn, serverConn, log, mu := captureConns()

	srv := tls.Server(serverConn, srvCfg)
	cli := tls.Client(clientConn, cliCfg)

	done := make(chan error, 1)
	go func() {
		if err := srv.Handshake(); err != nil {
			done <- err
			return
		}
		buf := make([]byte, len(clientMsg))
		if _, err := io.ReadFull(srv, buf); err != nil {
			done <- err
			return
		}
		if _, err := srv.Write([]byte(serverMsg)); err != nil {
			done <- err
			return
		}
		// Drain until the client's close_notify lands in the capture.
		_, _ = io.Copy(io.Discard, srv)
		done <- nil
	}()

	require.NoError(t, cli.Handshake())
	_, err := cli.Write([]byte(clientMsg))
	require.NoError(t, err)
	reply := make([]byte, len(serverMsg))
	_, err = io.ReadFull(cli, reply)
	require.NoError(t, err)
	require.Equal(t, serverMsg, string(reply))
	require.NoError(t, cli.Close())
	require.NoError(t, <-done)
	_ = srv.Close()

	mu.Lock()
	defer mu.Unlock()
	out := make([]chunk, len(*log))
	copy(out, *log)
	return out
}

func tls12Configs(key *rsa.PrivateKey, certDER []byte, suites []uint16) (cli, srv *tls.Config) {
	srv = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		CipherSuites: suites,
	}
	cli = &tls.Config{
		ServerName:         "sniffer-test.local",
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		CipherSuites:       suites,
	}
	return cli, srv
}

// replay feeds captured chunks through a flow simulator and returns the
// plaintext recovered per direction from the decode return values.
func replay(t *testing.T, sim *flowSim, chunks []chunk) (client, server []byte, errs []error) {
	t.Helper()
	for _, c := range chunks {
		pt, err := sim.send(c.dir, c.data)
		if err != nil && !errors.Is(err, ErrNoData) {
			errs = append(errs, err)
		}
		if len(pt) > 0 {
			if c.dir == DirectionClientToServer {
				client = append(client, pt...)
			} else {
				server = append(server, pt...)
			}
		}
	}
	return client, server, errs
}

func newTestEngine(t *testing.T) (*Sniffer, *collectSink, *collectObserver) {
	t.Helper()
	sink := &collectSink{}
	obs := &collectObserver{}
	eng := New(Config{DataSink: sink, ConnectionObserver: obs})
	t.Cleanup(eng.Close)
	return eng, sink, obs
}

func installServerKey(t *testing.T, eng *Sniffer, key *rsa.PrivateKey) {
	t.Helper()
	der := x509.MarshalPKCS1PrivateKey(key)
	require.NoError(t, eng.SetPrivateKey(testServerAddr, testServerPort, der, keystore.FormatDER, ""))
}

func TestDecryptStaticRSAGCM(t *testing.T) {
	t.Setenv("GODEBUG", "tlsrsakex=1")

	key, certDER := selfSignedRSA(t)
	cliCfg, srvCfg := tls12Configs(key, certDER, []uint16{tls.TLS_RSA_WITH_AES_128_GCM_SHA256})
	chunks := runHandshake(t, cliCfg, srvCfg, "GET /index HTTP/1.1\r\n\r\n", "HTTP/1.1 200 OK\r\n\r\nhello")

	eng, sink, obs := newTestEngine(t)
	installServerKey(t, eng, key)

	sim := newFlowSim(t, eng)
	sim.open()
	clientPT, serverPT, errs := replay(t, sim, chunks)
	assert.Empty(t, errs)

	assert.Equal(t, "GET /index HTTP/1.1\r\n\r\n", string(clientPT))
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\nhello", string(serverPT))
	assert.Equal(t, string(clientPT), string(sink.client))
	assert.Equal(t, string(serverPT), string(sink.server))

	stats := eng.ReadStats()
	assert.Equal(t, uint64(1), stats.SessionsSeen)
	assert.Equal(t, uint64(1), stats.StandardHandshakes)
	assert.Equal(t, uint64(1), stats.KeyMatches)
	assert.Zero(t, stats.KeysUnmatched)
	assert.Zero(t, stats.ResumedConns)
	assert.Zero(t, stats.DecodeFails)
	assert.Equal(t, uint64(len(clientPT)+len(serverPT)), stats.DecryptedBytes)
	assert.Greater(t, stats.EncryptedBytes, stats.DecryptedBytes)

	infos := obs.all()
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, StateNegotiated, info.State)
	assert.Equal(t, VersionTLS12, info.Version)
	assert.Equal(t, uint16(tls.TLS_RSA_WITH_AES_128_GCM_SHA256), info.CipherSuite)
	assert.Equal(t, "sniffer-test.local", info.ServerName)
	assert.Equal(t, 2048, info.KeySize)
	assert.False(t, info.Resumed)
	assert.False(t, info.ClientAuth)

	// close_notify removed the session from the table.
	assert.Zero(t, eng.SessionStats().Active)
}

func TestDecryptStaticRSACBC(t *testing.T) {
	t.Setenv("GODEBUG", "tlsrsakex=1")

	key, certDER := selfSignedRSA(t)
	cliCfg, srvCfg := tls12Configs(key, certDER, []uint16{tls.TLS_RSA_WITH_AES_256_CBC_SHA})
	chunks := runHandshake(t, cliCfg, srvCfg, "cbc client payload", "cbc server payload")

	eng, sink, _ := newTestEngine(t)
	installServerKey(t, eng, key)

	sim := newFlowSim(t, eng)
	sim.open()
	clientPT, serverPT, errs := replay(t, sim, chunks)
	assert.Empty(t, errs)

	assert.Equal(t, "cbc client payload", string(clientPT))
	assert.Equal(t, "cbc server payload", string(serverPT))
	assert.Equal(t, string(clientPT), string(sink.client))
	assert.Equal(t, string(serverPT), string(sink.server))
}

func TestSessionTicketResumption(t *testing.T) {
	t.Setenv("GODEBUG", "tlsrsakex=1")

	key, certDER := selfSignedRSA(t)
	suites := []uint16{tls.TLS_RSA_WITH_AES_128_GCM_SHA256}
	cliCfg, srvCfg := tls12Configs(key, certDER, suites)
	cliCfg.ClientSessionCache = tls.NewLRUClientSessionCache(4)

	first := runHandshake(t, cliCfg, srvCfg, "first request", "first reply")
	second := runHandshake(t, cliCfg, srvCfg, "second request", "second reply")

	eng, sink, obs := newTestEngine(t)
	installServerKey(t, eng, key)

	sim1 := newFlowSim(t, eng)
	sim1.open()
	_, _, errs := replay(t, sim1, first)
	assert.Empty(t, errs)

	stats := eng.ReadStats()
	assert.Equal(t, uint64(1), stats.StandardHandshakes)
	assert.GreaterOrEqual(t, stats.ResumptionInserts, uint64(1))
	assert.Zero(t, stats.ResumedConns)

	sim2 := newFlowSimPort(t, eng, testClientPort+1)
	sim2.open()
	clientPT, serverPT, errs := replay(t, sim2, second)
	assert.Empty(t, errs)
	assert.Equal(t, "second request", string(clientPT))
	assert.Equal(t, "second reply", string(serverPT))
	assert.Contains(t, string(sink.client), "second request")

	stats = eng.ReadStats()
	assert.Equal(t, uint64(1), stats.ResumedConns)
	assert.Equal(t, uint64(1), stats.StandardHandshakes)
	assert.Zero(t, stats.ResumptionMisses)
	// The resumed handshake needed no private-key operation.
	assert.Equal(t, uint64(1), stats.KeyMatches)

	infos := obs.all()
	require.Len(t, infos, 2)
	assert.False(t, infos[0].Resumed)
	assert.True(t, infos[1].Resumed)
	assert.Equal(t, StateNegotiated, infos[1].State)
}

func TestResumptionMissWithoutCachedSecret(t *testing.T) {
	t.Setenv("GODEBUG", "tlsrsakex=1")

	key, certDER := selfSignedRSA(t)
	suites := []uint16{tls.TLS_RSA_WITH_AES_128_GCM_SHA256}
	cliCfg, srvCfg := tls12Configs(key, certDER, suites)
	cliCfg.ClientSessionCache = tls.NewLRUClientSessionCache(4)

	_ = runHandshake(t, cliCfg, srvCfg, "warmup request", "warmup reply")
	second := runHandshake(t, cliCfg, srvCfg, "hidden request", "hidden reply")

	// Only the resumed connection is replayed: the engine never saw the
	// full handshake, so no master secret is cached.
	eng, sink, obs := newTestEngine(t)
	installServerKey(t, eng, key)

	sim := newFlowSim(t, eng)
	sim.open()
	clientPT, serverPT, errs := replay(t, sim, second)
	assert.Empty(t, clientPT)
	assert.Empty(t, serverPT)
	assert.Empty(t, sink.client)
	assert.NotEmpty(t, errs)
	hasKeyErr := false
	for _, err := range errs {
		if errors.Is(err, ErrKeyUnavailable) || errors.Is(err, ErrSessionDegraded) {
			hasKeyErr = true
		}
	}
	assert.True(t, hasKeyErr)

	stats := eng.ReadStats()
	assert.Equal(t, uint64(1), stats.ResumptionMisses)
	assert.Zero(t, stats.ResumedConns)
	assert.Zero(t, stats.DecryptedBytes)
	// Undecryptable traffic is still metered.
	assert.Greater(t, stats.EncryptedBytes, uint64(0))

	infos := obs.all()
	require.Len(t, infos, 1)
	assert.Equal(t, StateFailed, infos[0].State)
	assert.Equal(t, KindKeyUnavailable, infos[0].FailureKind)
}

func TestEphemeralMissDegradesSession(t *testing.T) {
	key, certDER := selfSignedRSA(t)
	cliCfg, srvCfg := tls12Configs(key, certDER, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256})
	chunks := runHandshake(t, cliCfg, srvCfg, "secret request", "secret reply")

	// Static key installed but no ephemeral resolver: the ECDHE exchange
	// cannot be completed.
	eng, sink, obs := newTestEngine(t)
	installServerKey(t, eng, key)

	sim := newFlowSim(t, eng)
	sim.open()
	clientPT, serverPT, errs := replay(t, sim, chunks)
	assert.Empty(t, clientPT)
	assert.Empty(t, serverPT)
	assert.Empty(t, sink.client)
	assert.Empty(t, sink.server)
	assert.NotEmpty(t, errs)

	stats := eng.ReadStats()
	assert.Equal(t, uint64(1), stats.EphemeralMisses)
	assert.Zero(t, stats.DecryptedBytes)
	assert.Greater(t, stats.EncryptedBytes, uint64(0))

	infos := obs.all()
	require.Len(t, infos, 1)
	assert.Equal(t, StateFailed, infos[0].State)
	assert.Equal(t, KindKeyUnavailable, infos[0].FailureKind)
	assert.Equal(t, uint16(tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256), infos[0].CipherSuite)
}

func TestWrongKeyDegradesSession(t *testing.T) {
	t.Setenv("GODEBUG", "tlsrsakex=1")

	key, certDER := selfSignedRSA(t)
	cliCfg, srvCfg := tls12Configs(key, certDER, []uint16{tls.TLS_RSA_WITH_AES_128_GCM_SHA256})
	chunks := runHandshake(t, cliCfg, srvCfg, "request", "reply")

	wrongKey, _ := selfSignedRSA(t)
	eng, _, obs := newTestEngine(t)
	installServerKey(t, eng, wrongKey)

	sim := newFlowSim(t, eng)
	sim.open()
	clientPT, serverPT, errs := replay(t, sim, chunks)
	assert.Empty(t, clientPT)
	assert.Empty(t, serverPT)
	assert.NotEmpty(t, errs)

	stats := eng.ReadStats()
	// The scope matched even though the key was wrong.
	assert.Equal(t, uint64(1), stats.KeyMatches)
	assert.Zero(t, stats.DecryptedBytes)

	infos := obs.all()
	require.Len(t, infos, 1)
	assert.Equal(t, StateFailed, infos[0].State)
}

func TestNoKeyInstalledCountsUnmatched(t *testing.T) {
	t.Setenv("GODEBUG", "tlsrsakex=1")

	key, certDER := selfSignedRSA(t)
	cliCfg, srvCfg := tls12Configs(key, certDER, []uint16{tls.TLS_RSA_WITH_AES_128_GCM_SHA256})
	chunks := runHandshake(t, cliCfg, srvCfg, "request", "reply")

	eng, _, obs := newTestEngine(t)

	sim := newFlowSim(t, eng)
	sim.open()
	_, _, errs := replay(t, sim, chunks)
	assert.NotEmpty(t, errs)

	stats := eng.ReadStats()
	assert.Equal(t, uint64(1), stats.KeysUnmatched)
	assert.Zero(t, stats.KeyMatches)

	infos := obs.all()
	require.Len(t, infos, 1)
	assert.Equal(t, KindKeyUnavailable, infos[0].FailureKind)
}

func TestWatchKeyByCertificateHash(t *testing.T) {
	t.Setenv("GODEBUG", "tlsrsakex=1")

	key, certDER := selfSignedRSA(t)
	cliCfg, srvCfg := tls12Configs(key, certDER, []uint16{tls.TLS_RSA_WITH_AES_128_GCM_SHA256})
	chunks := runHandshake(t, cliCfg, srvCfg, "watched request", "watched reply")

	// No address-scoped key; the certificate hash carries the match.
	eng, sink, _ := newTestEngine(t)
	hash := keystore.CertHash(certDER)
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	require.NoError(t, eng.InstallWatchKey(hash, keyDER, keystore.FormatDER, ""))

	sim := newFlowSim(t, eng)
	sim.open()
	clientPT, serverPT, errs := replay(t, sim, chunks)
	assert.Empty(t, errs)
	assert.Equal(t, "watched request", string(clientPT))
	assert.Equal(t, "watched reply", string(serverPT))
	assert.Equal(t, "watched request", string(sink.client))

	stats := eng.ReadStats()
	assert.Equal(t, uint64(1), stats.KeyMatches)
}
