package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cconlon/tlstap/internal/pkg/keystore"
	"github.com/cconlon/tlstap/internal/pkg/logger"
	"github.com/cconlon/tlstap/internal/pkg/signals"
	"github.com/cconlon/tlstap/internal/pkg/sniff"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <capture file>",
	Short: "Decrypt TLS sessions from a pcap or pcapng file",
	Long: `decode replays a capture file through the decryption engine. Server
keys are installed with --key entries of the form [addr]:[port]=<keyfile>;
an empty addr or port widens the scope to any address or port.`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringArray("key", nil, "server key: [addr]:[port]=path, repeatable")
	decodeCmd.Flags().String("keydir", "", "directory of key files, scopes taken from file names")
	decodeCmd.Flags().String("key-password", "", "password for encrypted key files")
	decodeCmd.Flags().String("out", "", "write recovered plaintext to this file, - for stdout")
	decodeCmd.Flags().Int("max-sessions", 0, "session table limit (0 = default)")
	decodeCmd.Flags().Duration("idle-timeout", 0, "idle session timeout (0 = default)")
	decodeCmd.Flags().Int64("max-memory", 0, "reassembly memory ceiling in bytes, with eviction past it")
	decodeCmd.Flags().Bool("stats", false, "print engine statistics as JSON on exit")
	_ = viper.BindPFlag("decode.keydir", decodeCmd.Flags().Lookup("keydir"))
	_ = viper.BindPFlag("decode.key_password", decodeCmd.Flags().Lookup("key-password"))
	_ = viper.BindPFlag("decode.out", decodeCmd.Flags().Lookup("out"))
	_ = viper.BindPFlag("decode.max_sessions", decodeCmd.Flags().Lookup("max-sessions"))
	_ = viper.BindPFlag("decode.idle_timeout", decodeCmd.Flags().Lookup("idle-timeout"))
	_ = viper.BindPFlag("decode.max_memory", decodeCmd.Flags().Lookup("max-memory"))
	_ = viper.BindPFlag("decode.stats", decodeCmd.Flags().Lookup("stats"))
}

// keySpec is one --key entry split into scope and file.
type keySpec struct {
	addr netip.Addr
	port uint16
	path string
}

// parseKeySpec splits "[addr]:[port]=path". Empty addr or port parts
// leave that part of the scope open.
func parseKeySpec(s string) (keySpec, error) {
	var spec keySpec
	scope, path, ok := strings.Cut(s, "=")
	if !ok || path == "" {
		return spec, fmt.Errorf("key %q: want [addr]:[port]=path", s)
	}
	spec.path = path

	host, portStr, err := net.SplitHostPort(scope)
	if err != nil {
		return spec, fmt.Errorf("key %q: %w", s, err)
	}
	if host != "" {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return spec, fmt.Errorf("key %q: %w", s, err)
		}
		spec.addr = addr
	}
	if portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return spec, fmt.Errorf("key %q: %w", s, err)
		}
		spec.port = uint16(port)
	}
	return spec, nil
}

// keyFormat guesses the file format from its extension.
func keyFormat(path string) keystore.Format {
	if strings.HasSuffix(strings.ToLower(path), ".der") {
		return keystore.FormatDER
	}
	return keystore.FormatPEM
}

// fileSink streams recovered plaintext into one writer.
type fileSink struct {
	w io.Writer
}

func (fs *fileSink) OnData(_ uuid.UUID, _ sniff.Direction, data []byte, _ uint64) {
	_, _ = fs.w.Write(data)
}

// logObserver reports each session outcome through the logger.
type logObserver struct{}

func (logObserver) OnConnection(info *sniff.SessionInfo) {
	if info.State == sniff.StateFailed {
		logger.Warn("session not decryptable",
			"id", info.ConnectionID,
			"server_name", info.ServerName,
			"reason", info.FailureKind.String())
		return
	}
	logger.Info("session negotiated",
		"id", info.ConnectionID,
		"version", info.VersionName,
		"suite", info.CipherSuiteName,
		"server_name", info.ServerName,
		"resumed", info.Resumed)
}

func runDecode(cmd *cobra.Command, args []string) error {
	keyEntries, _ := cmd.Flags().GetStringArray("key")
	printStats := viper.GetBool("decode.stats")
	outPath := viper.GetString("decode.out")
	password := viper.GetString("decode.key_password")

	cfg := sniff.Config{
		MaxSessions:        viper.GetInt("decode.max_sessions"),
		SessionIdleTimeout: viper.GetDuration("decode.idle_timeout"),
		ConnectionObserver: logObserver{},
	}

	var out io.WriteCloser
	switch outPath {
	case "":
	case "-":
		out = os.Stdout
	default:
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		out = f
		defer f.Close()
	}
	if out != nil {
		cfg.DataSink = &fileSink{w: out}
	}

	eng := sniff.New(cfg)
	defer eng.Close()

	if maxMem := viper.GetInt64("decode.max_memory"); maxMem > 0 {
		if err := eng.EnableRecovery(maxMem); err != nil {
			return err
		}
	}

	for _, entry := range keyEntries {
		spec, err := parseKeySpec(entry)
		if err != nil {
			return err
		}
		if err := eng.SetPrivateKeyFile(spec.addr, spec.port, spec.path, keyFormat(spec.path), password); err != nil {
			return fmt.Errorf("installing %s: %w", spec.path, err)
		}
		logger.Info("server key installed", "path", spec.path, "addr", spec.addr, "port", spec.port)
	}

	if keydir := viper.GetString("decode.keydir"); keydir != "" {
		if _, err := eng.WatchKeyDirectory(keydir, password); err != nil {
			return fmt.Errorf("watching %s: %w", keydir, err)
		}
		logger.Info("key directory watched", "dir", keydir)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cleanup := signals.SetupHandler(ctx, cancel)
	defer cleanup()

	start := time.Now()
	packets, err := replayCapture(ctx, eng, args[0])
	if err != nil {
		return err
	}

	stats := eng.ReadStats()
	logger.Info("capture replayed",
		"packets", packets,
		"sessions", stats.SessionsSeen,
		"decrypted_bytes", stats.DecryptedBytes,
		"elapsed", time.Since(start))

	if printStats {
		report := struct {
			Engine   sniff.Stats        `json:"engine"`
			Sessions sniff.SessionStats `json:"sessions"`
			Keys     keystore.Stats     `json:"keys"`
		}{eng.ReadStats(), eng.SessionStats(), eng.KeyStoreStats()}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	return nil
}

// replayCapture feeds every TCP packet of the file into the engine. The
// network layer is handed over as a scatter of header and payload, the
// way kernel capture paths deliver it.
func replayCapture(ctx context.Context, eng *sniff.Sniffer, path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	src, err := packetSource(f)
	if err != nil {
		return 0, err
	}

	var packets uint64
	for pkt := range src.Packets() {
		select {
		case <-ctx.Done():
			logger.Info("replay interrupted", "packets", packets)
			return packets, nil
		default:
		}
		nl := pkt.NetworkLayer()
		if nl == nil {
			continue
		}
		packets++
		chain := net.Buffers{nl.LayerContents(), nl.LayerPayload()}
		if _, err := eng.DecodeChain(chain, nil); err != nil && !errors.Is(err, sniff.ErrNoData) {
			logger.Debug("packet not decoded", "error", err)
		}
	}
	return packets, nil
}

// packetSource opens f as classic pcap, falling back to pcapng.
func packetSource(f *os.File) (*gopacket.PacketSource, error) {
	if r, err := pcapgo.NewReader(f); err == nil {
		return gopacket.NewPacketSource(r, r.LinkType()), nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("unrecognized capture format: %w", err)
	}
	return gopacket.NewPacketSource(ng, ng.LinkType()), nil
}
