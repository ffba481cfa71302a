// Package protocol
// Author: momentics <momentics@gmail.com>
//
// IPC wire protocol: connection handshake with byte-order negotiation,
// PING/INVOKE/EVENT commands, the typed PDU message codec, event frames and
// event subscription mask frames. All framing runs over Stream, which writes
// in the local byte order and reads in the order announced by the peer.
package protocol
