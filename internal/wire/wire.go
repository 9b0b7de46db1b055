// Package wire implements the on-pool serialization format described in
// spec.md §4.3/§6: a fixed header followed by 8-byte aligned TLV items.
package wire

import (
	"encoding/binary"
	"errors"

	log "github.com/sirupsen/logrus"
)

// ItemType identifies a TLV item per spec.md §6.
type ItemType uint64

const (
	ItemDstName ItemType = iota + 1
	ItemPayloadOff
	ItemPayloadMemfd
	ItemFDs
	ItemCreds
	ItemSeclabel
	ItemConnName
	ItemName
	ItemMetadata
)

const (
	align     = 8
	headerLen = 8 * 8 // size, flags, dest, source, cookie, timeout_ns, cookie_reply, priority; offset_reply is not serialized
)

// NoAddress is the offset sentinel for a null-address vector item
// (spec.md §4.3 "a null-address vector is recorded as offset sentinel").
const NoAddress uint64 = ^uint64(0)

// Flags on Header.Flags.
const (
	FlagExpectReply uint64 = 1 << iota
	FlagNoAutoStart
	FlagAcceptFDCheck // internal marker: message carries fds
)

var ErrTruncated = errors.New("wire: message truncated")

// Header is the fixed prefix of every serialized message (spec.md §6).
type Header struct {
	Size        uint64
	Flags       uint64
	Dest        uint64
	Source      uint64
	Cookie      uint64
	TimeoutNs   uint64
	CookieReply uint64
	Priority    int64
	OffsetReply uint64
}

// Item is a single decoded TLV item.
type Item struct {
	Type    ItemType
	Payload []byte
}

func alignUp(n int) int {
	if r := n % align; r != 0 {
		n += align - r
	}
	return n
}

// Writer accumulates TLV items into an 8-byte aligned buffer, then
// patches in the final header once layout is complete (spec.md §4.3:
// "total size field is patched after layout").
type Writer struct {
	header Header
	items  []byte
}

func NewWriter(h Header) *Writer {
	return &Writer{header: h}
}

// AppendItem writes one item, zero-padding its payload to the next
// 8-byte boundary.
func (w *Writer) AppendItem(typ ItemType, payload []byte) {
	padded := alignUp(len(payload))
	buf := make([]byte, padded)
	copy(buf, payload)

	var itemHdr [16]byte
	binary.LittleEndian.PutUint64(itemHdr[0:8], uint64(padded))
	binary.LittleEndian.PutUint64(itemHdr[8:16], uint64(typ))

	w.items = append(w.items, itemHdr[:]...)
	w.items = append(w.items, buf...)
	log.Tracef("wire: appended item type=%d size=%d", typ, padded)
}

// AppendUint64Item writes an 8-byte scalar item (used for PAYLOAD_OFF
// offsets, placeholder fd slots before receive-time patching, etc).
func (w *Writer) AppendUint64Item(typ ItemType, v uint64) int {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	w.AppendItem(typ, buf)
	// Offset, within the final blob (header included), of the payload
	// bytes just written.
	return headerLen + len(w.items) - 8
}

// Bytes finalizes the header (patching Size) and returns the complete
// serialized message.
func (w *Writer) Bytes() []byte {
	w.header.Size = uint64(headerLen + len(w.items))
	out := make([]byte, headerLen, w.header.Size)
	binary.LittleEndian.PutUint64(out[0:8], w.header.Size)
	binary.LittleEndian.PutUint64(out[8:16], w.header.Flags)
	binary.LittleEndian.PutUint64(out[16:24], w.header.Dest)
	binary.LittleEndian.PutUint64(out[24:32], w.header.Source)
	binary.LittleEndian.PutUint64(out[32:40], w.header.Cookie)
	binary.LittleEndian.PutUint64(out[40:48], w.header.TimeoutNs)
	binary.LittleEndian.PutUint64(out[48:56], w.header.CookieReply)
	binary.LittleEndian.PutUint64(out[56:64], uint64(w.header.Priority))
	out = append(out, w.items...)
	return out
}

// Len returns the current total length the finished message will have.
func (w *Writer) Len() int {
	return headerLen + len(w.items)
}

// ParseHeader decodes the fixed header prefix of a serialized message.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, ErrTruncated
	}
	return Header{
		Size:        binary.LittleEndian.Uint64(buf[0:8]),
		Flags:       binary.LittleEndian.Uint64(buf[8:16]),
		Dest:        binary.LittleEndian.Uint64(buf[16:24]),
		Source:      binary.LittleEndian.Uint64(buf[24:32]),
		Cookie:      binary.LittleEndian.Uint64(buf[32:40]),
		TimeoutNs:   binary.LittleEndian.Uint64(buf[40:48]),
		CookieReply: binary.LittleEndian.Uint64(buf[48:56]),
		Priority:    int64(binary.LittleEndian.Uint64(buf[56:64])),
	}, nil
}

// Items walks the TLV items following the header.
func Items(buf []byte) ([]Item, error) {
	if len(buf) < headerLen {
		return nil, ErrTruncated
	}
	var items []Item
	pos := headerLen
	for pos < len(buf) {
		if pos+16 > len(buf) {
			return nil, ErrTruncated
		}
		size := binary.LittleEndian.Uint64(buf[pos : pos+8])
		typ := binary.LittleEndian.Uint64(buf[pos+8 : pos+16])
		pos += 16
		if pos+int(size) > len(buf) {
			return nil, ErrTruncated
		}
		payload := buf[pos : pos+int(size)]
		items = append(items, Item{Type: ItemType(typ), Payload: payload})
		pos += int(size)
	}
	return items, nil
}

// PatchUint64 overwrites an 8-byte scalar in place at the given byte
// offset within the serialized message — used at receive time to patch
// placeholder fd numbers (spec.md §4.3/§4.2).
func PatchUint64(buf []byte, offset uint64, v uint64) error {
	if offset+8 > uint64(len(buf)) {
		return ErrTruncated
	}
	binary.LittleEndian.PutUint64(buf[offset:offset+8], v)
	return nil
}
