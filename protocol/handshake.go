// File: protocol/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection handshake: magic byte check and byte-order negotiation.

package protocol

import (
	"io"

	"github.com/momentics/hioload-ipc/api"
)

// Handshake is the fixed-size frame exchanged right after connect.
type Handshake struct {
	Magic      byte
	Order      byte
	FloatOrder byte
}

// LocalHandshake describes this host with the given magic.
func LocalHandshake(s *Stream, magic byte) Handshake {
	ind := OrderIndicator(s.Order())
	return Handshake{Magic: magic, Order: ind, FloatOrder: ind}
}

// Encode writes the frame to s without flushing.
func (h Handshake) Encode(s *Stream) error {
	_, err := s.Write([]byte{h.Magic, h.Order, h.FloatOrder, 0})
	return err
}

// ReadHandshake reads a peer frame from s.
func ReadHandshake(s *Stream) (Handshake, error) {
	var raw [HandshakeSize]byte
	if _, err := io.ReadFull(s.r, raw[:]); err != nil {
		return Handshake{}, err
	}
	return Handshake{Magic: raw[0], Order: raw[1], FloatOrder: raw[2]}, nil
}

// Validate checks the peer frame; on success s adopts the peer byte order.
func (h Handshake) Validate(s *Stream) error {
	switch h.Magic {
	case ProtoMagic:
	case ProtoMagicTooMany:
		return api.ErrServerBusy
	default:
		return api.NewError(api.ErrCodeProtocol, "bad handshake magic").WithContext("magic", h.Magic)
	}
	order, ok := OrderFromIndicator(h.Order)
	if !ok {
		return api.NewError(api.ErrCodeProtocol, "bad byte order").WithContext("order", h.Order)
	}
	if _, ok := OrderFromIndicator(h.FloatOrder); !ok {
		return api.NewError(api.ErrCodeProtocol, "bad float byte order").WithContext("order", h.FloatOrder)
	}
	s.SetPeerOrder(order)
	return nil
}

// ClientHandshake sends the local frame and validates the server reply.
func ClientHandshake(s *Stream) error {
	if err := LocalHandshake(s, ProtoMagic).Encode(s); err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		return err
	}
	h, err := ReadHandshake(s)
	if err != nil {
		return err
	}
	return h.Validate(s)
}

// ServerHandshake reads the client frame and answers with magic. A client
// frame that fails validation is still answered so the peer sees a clean
// close rather than a hang.
func ServerHandshake(s *Stream, magic byte) error {
	h, err := ReadHandshake(s)
	if err != nil {
		return err
	}
	verr := h.Validate(s)
	if err := LocalHandshake(s, magic).Encode(s); err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		return err
	}
	return verr
}
