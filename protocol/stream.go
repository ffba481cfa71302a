// File: protocol/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Buffered, byte-order aware IPC stream over a net.Conn. Writes use the
// local byte order; reads use the order the peer announced in its handshake.

package protocol

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"net"
	"time"
)

// NativeOrder is the byte order of this host.
var NativeOrder = func() binary.ByteOrder {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// OrderIndicator returns the handshake indicator of o.
func OrderIndicator(o binary.ByteOrder) byte {
	if o == binary.BigEndian {
		return OrderBig
	}
	return OrderLittle
}

// OrderFromIndicator maps a handshake indicator to a byte order.
func OrderFromIndicator(b byte) (binary.ByteOrder, bool) {
	switch b {
	case OrderLittle:
		return binary.LittleEndian, true
	case OrderBig:
		return binary.BigEndian, true
	}
	return nil, false
}

// Stream is not safe for concurrent use, except that one reader and one
// writer may run at the same time.
type Stream struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	out  binary.ByteOrder
	in   binary.ByteOrder
	rbuf [8]byte
	wbuf [8]byte
}

// NewStream wraps conn. Until the handshake completes the peer is assumed
// to use the same order as out.
func NewStream(conn net.Conn, out binary.ByteOrder) *Stream {
	if out == nil {
		out = NativeOrder
	}
	return &Stream{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 4096),
		w:    bufio.NewWriterSize(conn, 4096),
		out:  out,
		in:   out,
	}
}

// Conn exposes the underlying connection.
func (s *Stream) Conn() net.Conn { return s.conn }

// Order returns the local byte order.
func (s *Stream) Order() binary.ByteOrder { return s.out }

// PeerOrder returns the negotiated peer byte order.
func (s *Stream) PeerOrder() binary.ByteOrder { return s.in }

// SetPeerOrder records the byte order announced by the peer.
func (s *Stream) SetPeerOrder(o binary.ByteOrder) { s.in = o }

// SetDeadline applies t to both directions; zero clears it.
func (s *Stream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// Buffered returns the number of unread bytes already received.
func (s *Stream) Buffered() int { return s.r.Buffered() }

// Close closes the connection.
func (s *Stream) Close() error { return s.conn.Close() }

// Flush pushes buffered output to the connection.
func (s *Stream) Flush() error { return s.w.Flush() }

func (s *Stream) WriteByte(b byte) error { return s.w.WriteByte(b) }

func (s *Stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *Stream) WriteUint16(v uint16) error {
	s.out.PutUint16(s.wbuf[:2], v)
	_, err := s.w.Write(s.wbuf[:2])
	return err
}

func (s *Stream) WriteUint32(v uint32) error {
	s.out.PutUint32(s.wbuf[:4], v)
	_, err := s.w.Write(s.wbuf[:4])
	return err
}

func (s *Stream) WriteInt32(v int32) error { return s.WriteUint32(uint32(v)) }

func (s *Stream) WriteUint64(v uint64) error {
	s.out.PutUint64(s.wbuf[:8], v)
	_, err := s.w.Write(s.wbuf[:8])
	return err
}

func (s *Stream) WriteInt64(v int64) error { return s.WriteUint64(uint64(v)) }

func (s *Stream) ReadByte() (byte, error) { return s.r.ReadByte() }

func (s *Stream) ReadUint16() (uint16, error) {
	if _, err := io.ReadFull(s.r, s.rbuf[:2]); err != nil {
		return 0, err
	}
	return s.in.Uint16(s.rbuf[:2]), nil
}

func (s *Stream) ReadUint32() (uint32, error) {
	if _, err := io.ReadFull(s.r, s.rbuf[:4]); err != nil {
		return 0, err
	}
	return s.in.Uint32(s.rbuf[:4]), nil
}

func (s *Stream) ReadInt32() (int32, error) {
	v, err := s.ReadUint32()
	return int32(v), err
}

func (s *Stream) ReadUint64() (uint64, error) {
	if _, err := io.ReadFull(s.r, s.rbuf[:8]); err != nil {
		return 0, err
	}
	return s.in.Uint64(s.rbuf[:8]), nil
}

func (s *Stream) ReadInt64() (int64, error) {
	v, err := s.ReadUint64()
	return int64(v), err
}

// ReadFull reads exactly n bytes into a new slice.
func (s *Stream) ReadFull(n int) ([]byte, error) {
	p := make([]byte, n)
	if _, err := io.ReadFull(s.r, p); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteFloat32 and friends keep float layout identical to integers of the
// same width.
func (s *Stream) WriteFloat32(v float32) error { return s.WriteUint32(math.Float32bits(v)) }

func (s *Stream) WriteFloat64(v float64) error { return s.WriteUint64(math.Float64bits(v)) }
