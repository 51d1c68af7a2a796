package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// envelopeVersion is bumped whenever the wire framing changes shape.
const envelopeVersion = 1

// maxEnvelopeSize bounds a single frame so a misbehaving peer can't force
// unbounded buffering.
const maxEnvelopeSize = 16 << 20

// MessageType names one of the gossip protocol's message kinds.
type MessageType string

const (
	MsgConnect    MessageType = "CONNECT"
	MsgPing       MessageType = "PING"
	MsgPeer       MessageType = "PEER"
	MsgGetPeers   MessageType = "GET_PEERS"
	MsgBroadcast  MessageType = "BROADCAST"
	MsgSend       MessageType = "SEND"
	MsgRequest    MessageType = "REQUEST"
	MsgUnpeer     MessageType = "UNPEER"
	MsgDisconnect MessageType = "DISCONNECT"
	MsgChallenge  MessageType = "CHALLENGE"
)

// Envelope is the versioned, length-prefixed frame carried over every
// direct stream and pubsub message, per spec.md §4.11.
type Envelope struct {
	Version       byte
	MessageType   MessageType
	CorrelationID string
	Content       []byte
}

// NewEnvelope builds a current-version envelope carrying the given
// correlation ID.
func NewEnvelope(msgType MessageType, correlationID string, content []byte) Envelope {
	return Envelope{Version: envelopeVersion, MessageType: msgType, CorrelationID: correlationID, Content: content}
}

// Encode serializes e as: version(1) | type-len(1) | type | corr-len(1) |
// corr | content-len(4) | content.
func (e Envelope) Encode() []byte {
	buf := make([]byte, 0, 7+len(e.MessageType)+len(e.CorrelationID)+len(e.Content))
	buf = append(buf, e.Version)
	buf = append(buf, byte(len(e.MessageType)))
	buf = append(buf, []byte(e.MessageType)...)
	buf = append(buf, byte(len(e.CorrelationID)))
	buf = append(buf, []byte(e.CorrelationID)...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Content)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.Content...)
	return buf
}

// DecodeEnvelope parses the frame produced by Encode.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) < 7 {
		return Envelope{}, fmt.Errorf("network: envelope too short")
	}
	var e Envelope
	e.Version = raw[0]
	pos := 1
	typeLen := int(raw[pos])
	pos++
	if pos+typeLen > len(raw) {
		return Envelope{}, fmt.Errorf("network: truncated message type")
	}
	e.MessageType = MessageType(raw[pos : pos+typeLen])
	pos += typeLen
	if pos >= len(raw) {
		return Envelope{}, fmt.Errorf("network: truncated correlation id")
	}
	corrLen := int(raw[pos])
	pos++
	if pos+corrLen > len(raw) {
		return Envelope{}, fmt.Errorf("network: truncated correlation id")
	}
	e.CorrelationID = string(raw[pos : pos+corrLen])
	pos += corrLen
	if pos+4 > len(raw) {
		return Envelope{}, fmt.Errorf("network: truncated content length")
	}
	contentLen := binary.BigEndian.Uint32(raw[pos : pos+4])
	pos += 4
	if uint32(len(raw)-pos) != contentLen {
		return Envelope{}, fmt.Errorf("network: content length mismatch")
	}
	e.Content = append([]byte(nil), raw[pos:]...)
	return e, nil
}

// WriteEnvelope writes a length-prefixed envelope frame to w, for use on a
// direct libp2p stream.
func WriteEnvelope(w io.Writer, e Envelope) error {
	body := e.Encode()
	if len(body) > maxEnvelopeSize {
		return fmt.Errorf("network: envelope exceeds max size")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadEnvelope reads one length-prefixed envelope frame from r.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxEnvelopeSize {
		return Envelope{}, fmt.Errorf("network: envelope exceeds max size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(body)
}
