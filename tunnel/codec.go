package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	magicBegin uint32 = 0x414E5444
	magicEnd   uint32 = 0x44544E41

	headerSize  = 4 + 1 + 2 + 2 + 4
	trailerSize = 4

	// MaxFrameSize bounds the payload a decoder accepts.
	MaxFrameSize = 1 << 20
)

var (
	ErrBadMagic      = errors.New("bad frame magic")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Encode writes m as a single frame with one Write call, so message-oriented conns (WebSocket) see one frame per message.
func Encode(w io.Writer, m *Msg) error {
	if len(m.Data) > MaxFrameSize {
		return fmt.Errorf("encoding %s: %w", m.Kind, ErrFrameTooLarge)
	}
	b := make([]byte, headerSize+len(m.Data)+trailerSize)
	binary.BigEndian.PutUint32(b[0:4], magicBegin)
	b[4] = byte(m.Kind)
	binary.BigEndian.PutUint16(b[5:7], m.ChannelID)
	binary.BigEndian.PutUint16(b[7:9], m.ClientID)
	binary.BigEndian.PutUint32(b[9:13], uint32(len(m.Data)))
	copy(b[headerSize:], m.Data)
	binary.BigEndian.PutUint32(b[headerSize+len(m.Data):], magicEnd)

	_, err := w.Write(b)
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Decode reads exactly one frame from r.
// A clean EOF before the first header byte is returned as io.EOF.
func Decode(r io.Reader) (*Msg, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magicBegin {
		return nil, fmt.Errorf("frame header: %w", ErrBadMagic)
	}
	size := binary.BigEndian.Uint32(hdr[9:13])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", size, ErrFrameTooLarge)
	}
	m := &Msg{
		Kind:      MsgKind(hdr[4]),
		ChannelID: binary.BigEndian.Uint16(hdr[5:7]),
		ClientID:  binary.BigEndian.Uint16(hdr[7:9]),
		Data:      make([]byte, size),
	}
	if _, err := io.ReadFull(r, m.Data); err != nil {
		return nil, fmt.Errorf("reading %d bytes of frame data: %w", size, err)
	}
	var tail [trailerSize]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, fmt.Errorf("reading frame trailer: %w", err)
	}
	if binary.BigEndian.Uint32(tail[:]) != magicEnd {
		return nil, fmt.Errorf("frame trailer: %w", ErrBadMagic)
	}
	return m, nil
}
