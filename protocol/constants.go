// Package protocol
// Author: momentics <momentics@gmail.com>
//
// IPC wire protocol constants.

package protocol

const (
	// Handshake magic values.
	ProtoMagic        = 0x49
	ProtoMagicTooMany = 0x7e

	// Byte order indicators carried in the handshake.
	OrderLittle = 1
	OrderBig    = 2

	HandshakeSize = 4

	// Commands (first byte on a fresh request).
	CmdPing   = 0x01
	CmdInvoke = 0x02
	CmdEvent  = 0x03

	// Event subscription sub-commands.
	MaskAdd   = 0x01
	MaskDel   = 0x02
	MaskReset = 0x03

	// MaskEOF terminates a mask tuple list and a PDU stream.
	MaskEOF = 0x00

	// EventAckOK is the single byte a server answers to CmdEvent.
	EventAckOK = 0x00

	// Frame limit settings.
	MaxServiceName = 255
	MaxPDUSize     = 16 << 20
	MaxPDUCount    = 1 << 16

	InvokeHeaderSize = 8
	EventHeaderSize  = 16
)
