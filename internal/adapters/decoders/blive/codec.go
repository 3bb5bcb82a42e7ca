package blive

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"github.com/andybalholm/brotli"

	"bilive-monitor/internal/domain"
)

// Wire framing: every frame starts with a fixed 16-byte big-endian header
// (total length u32, header length u16, protocol version u16, operation u32,
// sequence u32). MESSAGE bodies with protocol version 2/3 are zlib/brotli
// buffers containing further concatenated frames.
const (
	headerLen = 16
	// Nested compressed frames deeper than this are not produced by the
	// service; treat them as a decode error instead of recursing further.
	maxCompressionDepth = 4
)

var (
	ErrTruncatedFrame   = errors.New("blive: truncated frame")
	ErrBadHeader        = errors.New("blive: malformed frame header")
	ErrCompressionDepth = errors.New("blive: compressed frames nested too deep")
)

// Encode builds one client-originated frame around body. Client frames
// always carry protocol version 1 and sequence 1.
func Encode(op domain.Operation, body []byte) []byte {
	buf := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(headerLen+len(body)))
	binary.BigEndian.PutUint16(buf[4:6], headerLen)
	binary.BigEndian.PutUint16(buf[6:8], domain.ProtoPlain)
	binary.BigEndian.PutUint32(buf[8:12], uint32(op))
	binary.BigEndian.PutUint32(buf[12:16], 1)
	copy(buf[headerLen:], body)
	return buf
}

// EncodeJSON marshals payload and frames it.
func EncodeJSON(op domain.Operation, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return Encode(op, body), nil
}

// Decode splits a possibly-concatenated buffer into frames, expanding
// compressed MESSAGE bodies recursively. A truncated trailing frame fails
// the whole buffer; the caller discards the read and waits for the next one.
func Decode(buf []byte) ([]domain.Packet, error) {
	return decode(buf, 0)
}

func decode(buf []byte, depth int) ([]domain.Packet, error) {
	if depth > maxCompressionDepth {
		return nil, ErrCompressionDepth
	}
	var out []domain.Packet
	for off := 0; off < len(buf); {
		if len(buf)-off < headerLen {
			return nil, ErrTruncatedFrame
		}
		total := int(binary.BigEndian.Uint32(buf[off : off+4]))
		hlen := int(binary.BigEndian.Uint16(buf[off+4 : off+6]))
		proto := binary.BigEndian.Uint16(buf[off+6 : off+8])
		op := domain.Operation(binary.BigEndian.Uint32(buf[off+8 : off+12]))
		seq := binary.BigEndian.Uint32(buf[off+12 : off+16])
		if hlen < headerLen || total < hlen {
			return nil, ErrBadHeader
		}
		if off+total > len(buf) {
			return nil, ErrTruncatedFrame
		}
		body := buf[off+hlen : off+total]
		off += total

		if op == domain.OpMessage && (proto == domain.ProtoZlib || proto == domain.ProtoBrotli) {
			plain, err := decompress(proto, body)
			if err != nil {
				return nil, err
			}
			inner, err := decode(plain, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
			continue
		}
		out = append(out, domain.Packet{
			Proto: proto,
			Op:    op,
			Seq:   seq,
			Body:  append([]byte(nil), body...),
		})
	}
	return out, nil
}

func decompress(proto uint16, body []byte) ([]byte, error) {
	if proto == domain.ProtoBrotli {
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Popularity decodes the 4-byte viewer-popularity count carried by a
// heartbeat-ack body.
func Popularity(body []byte) (uint32, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(body[:4]), true
}
