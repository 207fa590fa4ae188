// Package assembly reconstructs one direction of a TCP byte stream from
// captured segments. It tracks a contiguous-through watermark, holds a
// bounded out-of-order region above it, tolerates retransmission and
// overlap, and can skip forward over lost data while accounting for the
// missed bytes.
package assembly

import (
	"sort"
)

// Verdict describes what Feed did with a segment.
type Verdict int

const (
	// Delivered means the segment advanced the watermark; the returned
	// bytes are the next in-order chunk of the stream.
	Delivered Verdict = iota
	// Held means the segment was buffered above the watermark.
	Held
	// Duplicate means the segment carried no bytes not already delivered
	// or held.
	Duplicate
	// Dropped means the segment was rejected to bound memory; the bytes
	// are counted as missed.
	Dropped
)

func (v Verdict) String() string {
	switch v {
	case Delivered:
		return "delivered"
	case Held:
		return "held"
	case Duplicate:
		return "duplicate"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Config bounds the out-of-order held region.
type Config struct {
	// HeldLimit is the maximum number of payload bytes buffered above the
	// watermark. Segments that would exceed it are dropped.
	// Default: 1 MiB
	HeldLimit int

	// MaxHeldSegments caps the segment count independently of bytes.
	// Default: 4096
	MaxHeldSegments int
}

// DefaultConfig returns the default reassembly bounds.
func DefaultConfig() Config {
	return Config{
		HeldLimit:       1024 * 1024,
		MaxHeldSegments: 4096,
	}
}

// Counters is a snapshot of per-stream reassembly accounting.
type Counters struct {
	DeliveredBytes    uint64 `json:"delivered_bytes"`
	DeliveredSegments uint64 `json:"delivered_segments"`
	HeldSegments      uint64 `json:"held_segments"`
	DuplicateSegments uint64 `json:"duplicate_segments"`
	DroppedSegments   uint64 `json:"dropped_segments"`
	DroppedBytes      uint64 `json:"dropped_bytes"`
	OverlapTrims      uint64 `json:"overlap_trims"`
	MissedBytes       uint64 `json:"missed_bytes"`
}

// Stream reassembles one direction of a TCP connection. It is not
// goroutine-safe; callers serialize access per direction.
type Stream struct {
	cfg       Config
	started   bool
	watermark uint32 // next expected sequence number
	delivered uint64 // cumulative bytes handed to the caller
	held      map[uint32][]byte
	heldBytes int
	counters  Counters
}

// NewStream creates a reassembler. Zero config fields take defaults.
func NewStream(cfg Config) *Stream {
	def := DefaultConfig()
	if cfg.HeldLimit <= 0 {
		cfg.HeldLimit = def.HeldLimit
	}
	if cfg.MaxHeldSegments <= 0 {
		cfg.MaxHeldSegments = def.MaxHeldSegments
	}
	return &Stream{
		cfg:  cfg,
		held: make(map[uint32][]byte),
	}
}

// seqDiff returns the signed distance from b to a in sequence space,
// correct across 32-bit wraparound.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

// SetBase pins the watermark, normally to ISN+1 when a SYN is observed.
// It has no effect once data has been fed.
func (s *Stream) SetBase(seq uint32) {
	if s.started {
		return
	}
	s.watermark = seq
	s.started = true
}

// Started reports whether the stream origin is known.
func (s *Stream) Started() bool { return s.started }

// Watermark returns the next expected sequence number.
func (s *Stream) Watermark() uint32 { return s.watermark }

// DeliveredBytes returns the cumulative count of bytes delivered in order.
func (s *Stream) DeliveredBytes() uint64 { return s.delivered }

// HeldBytes returns the bytes currently buffered above the watermark.
func (s *Stream) HeldBytes() int { return s.heldBytes }

// HeldSegments returns the buffered segment count.
func (s *Stream) HeldSegments() int { return len(s.held) }

// Counters returns a snapshot of the stream's accounting.
func (s *Stream) Counters() Counters { return s.counters }

// Feed accepts one segment. When the verdict is Delivered the returned
// slice holds the newly contiguous bytes (the segment itself plus any
// held segments it unblocked); the slice is freshly allocated and owned
// by the caller. Bytes are never delivered twice for the same sequence
// range.
func (s *Stream) Feed(seq uint32, payload []byte) ([]byte, Verdict) {
	if len(payload) == 0 {
		return nil, Duplicate
	}
	if !s.started {
		s.watermark = seq
		s.started = true
	}

	d := seqDiff(seq, s.watermark)
	if d < 0 {
		// Starts below the watermark: retransmit. Keep only the suffix
		// that is new.
		covered := uint32(-d)
		if covered >= uint32(len(payload)) {
			s.counters.DuplicateSegments++
			return nil, Duplicate
		}
		payload = payload[covered:]
		seq = s.watermark
		d = 0
		s.counters.OverlapTrims++
	}

	if d == 0 {
		out := make([]byte, 0, len(payload))
		out = append(out, payload...)
		s.watermark += uint32(len(payload))
		out = s.drain(out)
		s.delivered += uint64(len(out))
		s.counters.DeliveredBytes += uint64(len(out))
		s.counters.DeliveredSegments++
		return out, Delivered
	}

	// Above the watermark: hold it if the bounds allow.
	if prev, ok := s.held[seq]; ok && len(prev) >= len(payload) {
		s.counters.DuplicateSegments++
		return nil, Duplicate
	}
	end := int(d) + len(payload)
	if end > s.cfg.HeldLimit ||
		s.heldBytes+len(payload) > s.cfg.HeldLimit ||
		len(s.held) >= s.cfg.MaxHeldSegments {
		s.counters.DroppedSegments++
		s.counters.DroppedBytes += uint64(len(payload))
		s.counters.MissedBytes += uint64(len(payload))
		return nil, Dropped
	}
	if prev, ok := s.held[seq]; ok {
		// Longer segment under the same key replaces the shorter one.
		s.heldBytes -= len(prev)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.held[seq] = cp
	s.heldBytes += len(cp)
	s.counters.HeldSegments++
	return nil, Held
}

// drain appends every held segment that is now at or below the watermark,
// advancing it, until a gap remains.
func (s *Stream) drain(out []byte) []byte {
	for {
		var (
			bestSeq  uint32
			bestSeg  []byte
			bestDiff int32
			found    bool
		)
		for seq, seg := range s.held {
			d := seqDiff(seq, s.watermark)
			if d > 0 {
				continue
			}
			if !found || d < bestDiff || (d == bestDiff && len(seg) > len(bestSeg)) {
				bestSeq, bestSeg, bestDiff, found = seq, seg, d, true
			}
		}
		if !found {
			return out
		}
		delete(s.held, bestSeq)
		s.heldBytes -= len(bestSeg)
		covered := uint32(-bestDiff)
		if covered >= uint32(len(bestSeg)) {
			s.counters.DuplicateSegments++
			continue
		}
		if covered > 0 {
			bestSeg = bestSeg[covered:]
			s.counters.OverlapTrims++
		}
		out = append(out, bestSeg...)
		s.watermark += uint32(len(bestSeg))
	}
}

// NextHeldSeq returns the start of the held segment closest above the
// watermark, if any.
func (s *Stream) NextHeldSeq() (uint32, bool) {
	var (
		best  uint32
		diff  int32
		found bool
	)
	for seq := range s.held {
		d := seqDiff(seq, s.watermark)
		if !found || d < diff {
			best, diff, found = seq, d, true
		}
	}
	return best, found
}

// SkipTo advances the watermark to target, counting the jumped-over bytes
// as missed, and returns any held data that becomes deliverable. It does
// nothing if target is not ahead of the watermark.
func (s *Stream) SkipTo(target uint32) (skipped uint64, data []byte) {
	d := seqDiff(target, s.watermark)
	if d <= 0 {
		return 0, nil
	}
	skipped = uint64(d)
	s.counters.MissedBytes += skipped
	s.watermark = target
	out := s.drain(nil)
	s.delivered += uint64(len(out))
	s.counters.DeliveredBytes += uint64(len(out))
	return skipped, out
}

// SkipToNextHeld jumps the watermark over the current gap to the nearest
// held segment and drains from there. ok is false when nothing is held.
func (s *Stream) SkipToNextHeld() (skipped uint64, data []byte, ok bool) {
	seq, found := s.NextHeldSeq()
	if !found {
		return 0, nil, false
	}
	skipped, data = s.SkipTo(seq)
	return skipped, data, true
}

// Release drops all held segments and returns the number of bytes freed.
func (s *Stream) Release() int {
	freed := s.heldBytes
	s.held = make(map[uint32][]byte)
	s.heldBytes = 0
	return freed
}

// heldSeqsSorted returns held segment starts in ascending stream order.
// Only used by tests and diagnostics.
func (s *Stream) heldSeqsSorted() []uint32 {
	seqs := make([]uint32, 0, len(s.held))
	for seq := range s.held {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return seqDiff(seqs[i], seqs[j]) < 0
	})
	return seqs
}
