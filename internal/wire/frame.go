package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength guards against a corrupt length prefix causing an
// unbounded allocation; any frame claiming to be larger is fatal to the
// socket per §4.1 ("any parse error is fatal to the socket").
const MaxFrameLength = 64 << 20

// EncodeFrame serializes tenant/stream/body into a complete wire frame:
// version, big-endian length, and payload.
func EncodeFrame(tenant uint16, streamID uint64, body Body) []byte {
	w := NewWriter()
	w.PutByte(byte(body.Type()))
	w.PutUint16(tenant)
	if body.Type().IsStreamBound() {
		w.PutVarint(streamID)
	}
	body.encode(w)
	payload := w.Bytes()

	frame := make([]byte, 0, 1+4+len(payload))
	frame = append(frame, ProtocolVersion)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, payload...)
	return frame
}

// ReadFrame reads exactly one frame from r: version byte, length prefix,
// and payload bytes. It does not interpret the payload.
func ReadFrame(r io.Reader) (version uint8, payload []byte, err error) {
	var hdr [5]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	version = hdr[0]
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > MaxFrameLength {
		return 0, nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", length, MaxFrameLength)
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return version, payload, nil
}

// DecodeEnvelope interprets a payload previously returned by ReadFrame.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	r := NewReader(payload)
	tb, err := r.GetByte()
	if err != nil {
		return nil, fmt.Errorf("wire: reading type tag: %w", err)
	}
	t := Type(tb)
	tenant, err := r.GetUint16()
	if err != nil {
		return nil, fmt.Errorf("wire: reading tenant: %w", err)
	}
	var streamID uint64
	if t.IsStreamBound() {
		streamID, err = r.GetVarint()
		if err != nil {
			return nil, fmt.Errorf("wire: reading stream id: %w", err)
		}
	}
	body, err := decodeBody(t, r)
	if err != nil {
		return nil, fmt.Errorf("wire: decoding %s body: %w", t, err)
	}
	return &Envelope{Tenant: tenant, StreamID: streamID, Body: body}, nil
}

// ReadEnvelope reads and decodes exactly one frame from r.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	_, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(payload)
}
