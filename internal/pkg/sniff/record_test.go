package sniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(contentType uint8, payload []byte) []byte {
	out := make([]byte, 0, RecordHeaderSize+len(payload))
	out = append(out, contentType, 0x03, 0x03, byte(len(payload)>>8), byte(len(payload)))
	return append(out, payload...)
}

func TestRecordAssembler_WholeRecord(t *testing.T) {
	ra := newRecordAssembler()
	defer ra.release()

	records, err := ra.feed(rec(ContentTypeHandshake, []byte{1, 2, 3}))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ContentTypeHandshake, records[0].contentType)
	assert.Equal(t, uint16(0x0303), records[0].version)
	assert.Equal(t, []byte{1, 2, 3}, records[0].fragment)
	assert.Zero(t, ra.buffered())
}

func TestRecordAssembler_SplitAcrossFeeds(t *testing.T) {
	ra := newRecordAssembler()
	defer ra.release()

	whole := rec(ContentTypeApplicationData, make([]byte, 100))
	for i := 0; i < len(whole)-1; i++ {
		records, err := ra.feed(whole[i : i+1])
		require.NoError(t, err)
		assert.Empty(t, records)
	}
	records, err := ra.feed(whole[len(whole)-1:])
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].fragment, 100)
}

func TestRecordAssembler_Coalesced(t *testing.T) {
	ra := newRecordAssembler()
	defer ra.release()

	data := append(rec(ContentTypeHandshake, []byte{0xaa}), rec(ContentTypeAlert, []byte{1, 0})...)
	data = append(data, rec(ContentTypeApplicationData, []byte{9})[:4]...) // partial tail

	records, err := ra.feed(data)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ContentTypeHandshake, records[0].contentType)
	assert.Equal(t, ContentTypeAlert, records[1].contentType)
	assert.Equal(t, 4, ra.buffered())
}

func TestRecordAssembler_FragmentsAreCopies(t *testing.T) {
	ra := newRecordAssembler()
	defer ra.release()

	records, err := ra.feed(rec(ContentTypeHandshake, []byte{1, 2, 3}))
	require.NoError(t, err)
	require.Len(t, records, 1)
	frag := records[0].fragment

	_, err = ra.feed(rec(ContentTypeHandshake, []byte{9, 9, 9}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, frag)
}

func TestRecordAssembler_ImplausibleHeader(t *testing.T) {
	ra := newRecordAssembler()
	defer ra.release()

	_, err := ra.feed([]byte{0x47, 0x45, 0x54, 0x20, 0x2f}) // "GET /"
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestRecordAssembler_ResyncAfterLoss(t *testing.T) {
	ra := newRecordAssembler()
	defer ra.release()

	// Garbage from a skipped gap, then a clean record boundary.
	ra.markDesynchronized()
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0x11}
	data := append(garbage, rec(ContentTypeApplicationData, []byte("after the gap"))...)

	records, err := ra.feed(data)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("after the gap"), records[0].fragment)
	assert.Equal(t, uint64(len(garbage)), ra.skipped)
}

func TestRecordAssembler_ResyncKeepsSearching(t *testing.T) {
	ra := newRecordAssembler()
	defer ra.release()
	ra.markDesynchronized()

	// No plausible header anywhere yet.
	records, err := ra.feed([]byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xfa})
	require.NoError(t, err)
	assert.Empty(t, records)

	// The record arrives next; its header must still be found.
	records, err = ra.feed(rec(ContentTypeHandshake, []byte{5}))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte{5}, records[0].fragment)
}

func TestPlausibleHeader(t *testing.T) {
	assert.True(t, plausibleHeader(ContentTypeHandshake, 0x03, 0x01, 100))
	assert.True(t, plausibleHeader(ContentTypeApplicationData, 0x03, 0x03, MaxRecordSize))
	assert.False(t, plausibleHeader(0x17, 0x02, 0x03, 100))          // bad major
	assert.False(t, plausibleHeader(0x00, 0x03, 0x03, 100))          // bad type
	assert.False(t, plausibleHeader(ContentTypeAlert, 0x03, 0x05, 2)) // bad minor
	assert.False(t, plausibleHeader(ContentTypeHandshake, 0x03, 0x03, MaxRecordSize+1))
}
