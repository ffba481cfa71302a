// File: protocol/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed PDU message: argument and response payload of service requests and
// events. Encoded as a tag-prefixed sequence terminated by a zero tag.

package protocol

import (
	"fmt"
	"math"

	"github.com/momentics/hioload-ipc/api"
)

// Kind is a PDU type tag.
type Kind uint8

const (
	KindInt8 Kind = iota + 1
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat
	KindDouble
	KindString
	KindBinary
	KindNull
)

func (k Kind) String() string {
	names := [...]string{"", "int8", "uint8", "int16", "uint16", "int32", "uint32",
		"int64", "uint64", "float", "double", "string", "binary", "null"}
	if int(k) < len(names) && k != 0 {
		return names[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// width returns the fixed body size of numeric kinds.
func (k Kind) width() int {
	switch k {
	case KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat:
		return 4
	case KindInt64, KindUint64, KindDouble:
		return 8
	}
	return 0
}

// Value is a single PDU.
type Value struct {
	Kind Kind
	num  uint64
	data []byte
}

// Int returns signed integer kinds sign-extended.
func (v Value) Int() int64 {
	switch v.Kind {
	case KindInt8:
		return int64(int8(v.num))
	case KindInt16:
		return int64(int16(v.num))
	case KindInt32:
		return int64(int32(v.num))
	}
	return int64(v.num)
}

// Uint returns the raw numeric value.
func (v Value) Uint() uint64 { return v.num }

// Float returns float and double kinds.
func (v Value) Float() float64 {
	if v.Kind == KindFloat {
		return float64(math.Float32frombits(uint32(v.num)))
	}
	return math.Float64frombits(v.num)
}

// String returns string kinds; other kinds are formatted.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return string(v.data)
	case KindBinary:
		return fmt.Sprintf("%x", v.data)
	case KindNull:
		return "<null>"
	case KindFloat, KindDouble:
		return fmt.Sprint(v.Float())
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return fmt.Sprint(v.Int())
	}
	return fmt.Sprint(v.num)
}

// Bytes returns string and binary bodies.
func (v Value) Bytes() []byte { return v.data }

// Message is an ordered list of PDUs.
type Message struct {
	values []Value
}

// NewMessage returns an empty message.
func NewMessage() *Message { return &Message{} }

// Len returns the number of PDUs.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.values)
}

// At returns PDU i.
func (m *Message) At(i int) (Value, error) {
	if i < 0 || i >= m.Len() {
		return Value{}, api.NewError(api.ErrCodeInvalidArgument, "pdu index out of range").WithContext("index", i)
	}
	return m.values[i], nil
}

// Reset drops every PDU.
func (m *Message) Reset() { m.values = m.values[:0] }

func (m *Message) add(k Kind, n uint64, data []byte) *Message {
	m.values = append(m.values, Value{Kind: k, num: n, data: data})
	return m
}

func (m *Message) AddInt8(v int8) *Message     { return m.add(KindInt8, uint64(uint8(v)), nil) }
func (m *Message) AddUint8(v uint8) *Message   { return m.add(KindUint8, uint64(v), nil) }
func (m *Message) AddInt16(v int16) *Message   { return m.add(KindInt16, uint64(uint16(v)), nil) }
func (m *Message) AddUint16(v uint16) *Message { return m.add(KindUint16, uint64(v), nil) }
func (m *Message) AddInt32(v int32) *Message   { return m.add(KindInt32, uint64(uint32(v)), nil) }
func (m *Message) AddUint32(v uint32) *Message { return m.add(KindUint32, uint64(v), nil) }
func (m *Message) AddInt64(v int64) *Message   { return m.add(KindInt64, uint64(v), nil) }
func (m *Message) AddUint64(v uint64) *Message { return m.add(KindUint64, v, nil) }
func (m *Message) AddNull() *Message           { return m.add(KindNull, 0, nil) }

func (m *Message) AddFloat(v float32) *Message {
	return m.add(KindFloat, uint64(math.Float32bits(v)), nil)
}

func (m *Message) AddDouble(v float64) *Message {
	return m.add(KindDouble, math.Float64bits(v), nil)
}

func (m *Message) AddString(v string) *Message { return m.add(KindString, 0, []byte(v)) }

func (m *Message) AddBinary(v []byte) *Message {
	cp := make([]byte, len(v))
	copy(cp, v)
	return m.add(KindBinary, 0, cp)
}

// Encode writes the PDU stream, including the terminating tag, to s.
func (m *Message) Encode(s *Stream) error {
	for _, v := range m.valuesOrNil() {
		if err := s.WriteByte(byte(v.Kind)); err != nil {
			return err
		}
		var err error
		switch w := v.Kind.width(); {
		case w == 1:
			err = s.WriteByte(byte(v.num))
		case w == 2:
			err = s.WriteUint16(uint16(v.num))
		case w == 4:
			err = s.WriteUint32(uint32(v.num))
		case w == 8:
			err = s.WriteUint64(v.num)
		case v.Kind == KindString || v.Kind == KindBinary:
			if err = s.WriteUint32(uint32(len(v.data))); err == nil {
				_, err = s.Write(v.data)
			}
		}
		if err != nil {
			return err
		}
	}
	return s.WriteByte(0)
}

func (m *Message) valuesOrNil() []Value {
	if m == nil {
		return nil
	}
	return m.values
}

// DecodeMessage reads a PDU stream up to its terminating tag.
func DecodeMessage(s *Stream) (*Message, error) {
	m := NewMessage()
	for {
		tag, err := s.ReadByte()
		if err != nil {
			return nil, err
		}
		if tag == 0 {
			return m, nil
		}
		if len(m.values) >= MaxPDUCount {
			return nil, api.NewError(api.ErrCodeProtocol, "too many PDUs")
		}
		k := Kind(tag)
		switch w := k.width(); {
		case w == 1:
			b, err := s.ReadByte()
			if err != nil {
				return nil, err
			}
			m.add(k, uint64(b), nil)
		case w == 2:
			v, err := s.ReadUint16()
			if err != nil {
				return nil, err
			}
			m.add(k, uint64(v), nil)
		case w == 4:
			v, err := s.ReadUint32()
			if err != nil {
				return nil, err
			}
			m.add(k, uint64(v), nil)
		case w == 8:
			v, err := s.ReadUint64()
			if err != nil {
				return nil, err
			}
			m.add(k, v, nil)
		case k == KindString || k == KindBinary:
			n, err := s.ReadUint32()
			if err != nil {
				return nil, err
			}
			if n > MaxPDUSize {
				return nil, api.NewError(api.ErrCodeProtocol, "pdu too large").WithContext("size", n)
			}
			data, err := s.ReadFull(int(n))
			if err != nil {
				return nil, err
			}
			m.add(k, 0, data)
		case k == KindNull:
			m.add(k, 0, nil)
		default:
			return nil, api.NewError(api.ErrCodeProtocol, "unknown pdu type").WithContext("tag", tag)
		}
	}
}
