package sniff

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// record is one TLS record recovered from the byte stream.
type record struct {
	contentType uint8
	version     uint16
	fragment    []byte
}

// recordAssembler splits one direction's reassembled byte stream into
// TLS records. Records may span any number of feeds; the partial tail is
// kept in a pooled buffer. After a recovery skip the assembler is marked
// desynchronized and scans forward for the next plausible record header
// before resuming.
type recordAssembler struct {
	buf     *bytebufferpool.ByteBuffer
	resync  bool
	skipped uint64 // bytes discarded during resync scans
}

func newRecordAssembler() *recordAssembler {
	return &recordAssembler{buf: bytebufferpool.Get()}
}

// release returns the scratch buffer to the pool. The assembler must not
// be fed afterwards.
func (ra *recordAssembler) release() {
	if ra.buf != nil {
		bytebufferpool.Put(ra.buf)
		ra.buf = nil
	}
}

// buffered returns the bytes held for an incomplete record.
func (ra *recordAssembler) buffered() int {
	if ra.buf == nil {
		return 0
	}
	return ra.buf.Len()
}

// markDesynchronized tells the assembler the stream lost bytes; buffered
// partial data is discarded and the next feed resynchronizes.
func (ra *recordAssembler) markDesynchronized() {
	ra.skipped += uint64(ra.buf.Len())
	ra.buf.Reset()
	ra.resync = true
}

// feed appends stream bytes and returns every complete record now
// available. Fragments alias the internal buffer only until the next
// feed; callers consume them within the same decode call.
func (ra *recordAssembler) feed(data []byte) ([]record, error) {
	if len(data) > 0 {
		_, _ = ra.buf.Write(data)
	}
	b := ra.buf.B

	if ra.resync {
		n := scanRecordHeader(b)
		if n < 0 {
			// No plausible header yet; keep at most a header's worth of
			// tail bytes for the next feed.
			keep := len(b)
			if keep > RecordHeaderSize-1 {
				keep = RecordHeaderSize - 1
			}
			ra.skipped += uint64(len(b) - keep)
			copy(b, b[len(b)-keep:])
			ra.buf.B = b[:keep]
			return nil, nil
		}
		ra.skipped += uint64(n)
		b = b[n:]
		ra.resync = false
	}

	var records []record
	for {
		if len(b) < RecordHeaderSize {
			break
		}
		contentType := b[0]
		version := binary.BigEndian.Uint16(b[1:3])
		length := int(binary.BigEndian.Uint16(b[3:5]))

		if !plausibleHeader(contentType, b[1], b[2], length) {
			ra.buf.B = append(ra.buf.B[:0], b...)
			return records, fmt.Errorf("%w: implausible record header %02x %04x len=%d",
				ErrProtocolViolation, contentType, version, length)
		}
		if len(b) < RecordHeaderSize+length {
			break
		}
		fragment := make([]byte, length)
		copy(fragment, b[RecordHeaderSize:RecordHeaderSize+length])
		records = append(records, record{
			contentType: contentType,
			version:     version,
			fragment:    fragment,
		})
		b = b[RecordHeaderSize+length:]
	}

	// Compact the remaining partial record to the front of the buffer.
	rest := len(b)
	copy(ra.buf.B, b)
	ra.buf.B = ra.buf.B[:rest]
	return records, nil
}

// plausibleHeader applies the record-layer sanity checks: known content
// type, 0x03xx version no newer than the 1.3 wire code, bounded length.
func plausibleHeader(contentType, verHi, verLo uint8, length int) bool {
	switch contentType {
	case ContentTypeChangeCipherSpec, ContentTypeAlert,
		ContentTypeHandshake, ContentTypeApplicationData,
		ContentTypeHeartbeat:
	default:
		return false
	}
	if verHi != 0x03 || verLo > 0x04 {
		return false
	}
	return length > 0 && length <= MaxRecordSize
}

// scanRecordHeader returns the offset of the first byte sequence that
// looks like a record header, or -1.
func scanRecordHeader(b []byte) int {
	for i := 0; i+RecordHeaderSize <= len(b); i++ {
		length := int(binary.BigEndian.Uint16(b[i+3 : i+5]))
		if plausibleHeader(b[i], b[i+1], b[i+2], length) {
			return i
		}
	}
	return -1
}
