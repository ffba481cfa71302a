// File: protocol/commands.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Command framing: PING, INVOKE, EVENT and event subscription masks.

package protocol

import (
	"time"

	"github.com/momentics/hioload-ipc/api"
)

// WritePing sends a PING carrying ts.
func WritePing(s *Stream, ts uint32) error {
	if err := s.WriteByte(CmdPing); err != nil {
		return err
	}
	if err := s.WriteUint32(ts); err != nil {
		return err
	}
	return s.Flush()
}

// InvokeHeader is the service-request header following CmdInvoke.
type InvokeHeader struct {
	Service   string
	ServiceID uint32
}

// WriteInvoke sends a complete service request; args may be nil.
func WriteInvoke(s *Stream, h InvokeHeader, args *Message) error {
	if len(h.Service) == 0 || len(h.Service) > MaxServiceName {
		return api.NewError(api.ErrCodeInvalidArgument, "bad service name length").WithContext("service", h.Service)
	}
	if err := s.WriteByte(CmdInvoke); err != nil {
		return err
	}
	if _, err := s.Write([]byte{byte(len(h.Service)), 0, 0, 0}); err != nil {
		return err
	}
	if err := s.WriteUint32(h.ServiceID); err != nil {
		return err
	}
	if _, err := s.Write([]byte(h.Service)); err != nil {
		return err
	}
	if err := args.Encode(s); err != nil {
		return err
	}
	return s.Flush()
}

// ReadInvokeHeader reads the header and name after CmdInvoke.
func ReadInvokeHeader(s *Stream) (InvokeHeader, error) {
	raw, err := s.ReadFull(4)
	if err != nil {
		return InvokeHeader{}, err
	}
	id, err := s.ReadUint32()
	if err != nil {
		return InvokeHeader{}, err
	}
	if raw[0] == 0 {
		return InvokeHeader{}, api.NewError(api.ErrCodeProtocol, "empty service name")
	}
	name, err := s.ReadFull(int(raw[0]))
	if err != nil {
		return InvokeHeader{}, err
	}
	return InvokeHeader{Service: string(name), ServiceID: id}, nil
}

// ReadResponse reads a response code and, for non-reserved codes, the
// response message.
func ReadResponse(s *Stream) (int32, *Message, error) {
	code, err := s.ReadInt32()
	if err != nil {
		return 0, nil, err
	}
	if code == api.ResponseFatal || code == api.ResponseNoService {
		return code, nil, nil
	}
	msg, err := DecodeMessage(s)
	if err != nil {
		return 0, nil, err
	}
	return code, msg, nil
}

// WriteResponse is the server side of ReadResponse.
func WriteResponse(s *Stream, code int32, msg *Message) error {
	if err := s.WriteInt32(code); err != nil {
		return err
	}
	if code != api.ResponseFatal && code != api.ResponseNoService {
		if err := msg.Encode(s); err != nil {
			return err
		}
	}
	return s.Flush()
}

// RequestEvent turns the stream into an event listener stream.
func RequestEvent(s *Stream) error {
	if err := s.WriteByte(CmdEvent); err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		return err
	}
	ack, err := s.ReadByte()
	if err != nil {
		return err
	}
	if ack != EventAckOK {
		return api.NewError(api.ErrCodeProtocol, "event request rejected").WithContext("ack", ack)
	}
	return nil
}

// MaskEntry is one (service, mask) tuple of a mask frame.
type MaskEntry struct {
	Service string
	Mask    api.EventMask
}

// WriteMask sends a mask sub-command with its tuples and EOF marker.
func WriteMask(s *Stream, cmd byte, entries []MaskEntry) error {
	if err := s.WriteByte(cmd); err != nil {
		return err
	}
	for _, e := range entries {
		if len(e.Service) == 0 || len(e.Service) > MaxServiceName {
			return api.NewError(api.ErrCodeInvalidArgument, "bad service name length").WithContext("service", e.Service)
		}
		if err := s.WriteByte(byte(len(e.Service))); err != nil {
			return err
		}
		if _, err := s.Write([]byte(e.Service)); err != nil {
			return err
		}
		if err := s.WriteUint64(uint64(e.Mask)); err != nil {
			return err
		}
	}
	if err := s.WriteByte(MaskEOF); err != nil {
		return err
	}
	return s.Flush()
}

// ReadMask reads one mask frame.
func ReadMask(s *Stream) (byte, []MaskEntry, error) {
	cmd, err := s.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	switch cmd {
	case MaskAdd, MaskDel, MaskReset:
	default:
		return 0, nil, api.NewError(api.ErrCodeProtocol, "unknown mask command").WithContext("cmd", cmd)
	}
	var entries []MaskEntry
	for {
		n, err := s.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if n == MaskEOF {
			return cmd, entries, nil
		}
		name, err := s.ReadFull(int(n))
		if err != nil {
			return 0, nil, err
		}
		mask, err := s.ReadUint64()
		if err != nil {
			return 0, nil, err
		}
		entries = append(entries, MaskEntry{Service: string(name), Mask: api.EventMask(mask)})
	}
}

// EventFrame is one asynchronous event delivered on a listener stream.
type EventFrame struct {
	Serial  uint32
	Type    api.EventType
	Service string
	Time    time.Time
	Payload *Message
}

// WriteEvent sends f.
func WriteEvent(s *Stream, f *EventFrame) error {
	if len(f.Service) == 0 || len(f.Service) > MaxServiceName {
		return api.NewError(api.ErrCodeInvalidArgument, "bad service name length")
	}
	if f.Type > api.MaxEventType {
		return api.NewError(api.ErrCodeInvalidArgument, "bad event type").WithContext("type", f.Type)
	}
	if err := s.WriteUint32(f.Serial); err != nil {
		return err
	}
	if _, err := s.Write([]byte{byte(f.Type), byte(len(f.Service)), 0, 0}); err != nil {
		return err
	}
	if err := s.WriteInt64(f.Time.UnixNano()); err != nil {
		return err
	}
	if _, err := s.Write([]byte(f.Service)); err != nil {
		return err
	}
	if err := f.Payload.Encode(s); err != nil {
		return err
	}
	return s.Flush()
}

// ReadEvent reads one event frame.
func ReadEvent(s *Stream) (*EventFrame, error) {
	serial, err := s.ReadUint32()
	if err != nil {
		return nil, err
	}
	hdr, err := s.ReadFull(4)
	if err != nil {
		return nil, err
	}
	ts, err := s.ReadInt64()
	if err != nil {
		return nil, err
	}
	if hdr[0] > byte(api.MaxEventType) || hdr[1] == 0 {
		return nil, api.NewError(api.ErrCodeProtocol, "bad event header").WithContext("type", hdr[0])
	}
	name, err := s.ReadFull(int(hdr[1]))
	if err != nil {
		return nil, err
	}
	payload, err := DecodeMessage(s)
	if err != nil {
		return nil, err
	}
	return &EventFrame{
		Serial:  serial,
		Type:    api.EventType(hdr[0]),
		Service: string(name),
		Time:    time.Unix(0, ts),
		Payload: payload,
	}, nil
}
