package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/rollback/input"
)

// MessageType identifies the type of a protocol message.
type MessageType byte

const (
	MessageSyncRequest MessageType = iota + 1
	MessageSyncReply
	MessageInput
	MessageInputAck
	MessageQualityReport
	MessageQualityReply
	MessageKeepAlive
	MessageDisconnect
)

// headerSize is magic (2) + sequence number (2) + type tag (1).
const headerSize = 5

// MaxPayloadBytes bounds the compressed input payload of a single Input
// message so a message always fits a conservative datagram MTU.
const MaxPayloadBytes = 1024

var (
	// ErrMessageTooShort indicates a datagram smaller than its declared
	// layout. Malformed messages are treated as packet loss by callers.
	ErrMessageTooShort = errors.New("message too short")

	// ErrUnknownMessageType indicates an unrecognized type tag.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Header precedes every message on the wire: the sender's session magic
// for stale-packet rejection and a monotonically increasing sequence
// number for duplicate and reordering detection.
type Header struct {
	Magic          uint16
	SequenceNumber uint16
}

// Body is the type-specific payload of a protocol message.
type Body interface {
	messageType() MessageType
	appendPayload(dst []byte) []byte
}

// Message is one datagram of the peer protocol.
type Message struct {
	Header Header
	Body   Body
}

// SyncRequestBody asks the peer to echo a random nonce, proving the
// exchange is live and not a stale or duplicated session.
type SyncRequestBody struct {
	Nonce uint32
}

// SyncReplyBody echoes the nonce of a SyncRequest.
type SyncReplyBody struct {
	Nonce uint32
}

// InputBody carries a compressed bundle of inputs starting at
// StartFrame, the sender's ack of received input, a disconnect request
// flag, and the sender's current view of every player's connect status.
type InputBody struct {
	StartFrame          input.Frame
	AckFrame            input.Frame
	DisconnectRequested bool
	ConnectStatus       []input.ConnectStatus
	Bytes               []byte
}

// InputAckBody acknowledges received input through AckFrame.
type InputAckBody struct {
	AckFrame input.Frame
}

// QualityReportBody carries a send timestamp for round-trip measurement
// and the sender's current frame advantage over the receiver.
type QualityReportBody struct {
	Ping           uint64
	FrameAdvantage int32
}

// QualityReplyBody echoes the timestamp of a QualityReport.
type QualityReplyBody struct {
	Pong uint64
}

// KeepAliveBody keeps the connection alive during input lulls.
type KeepAliveBody struct{}

// DisconnectBody announces an orderly disconnect.
type DisconnectBody struct{}

func (SyncRequestBody) messageType() MessageType   { return MessageSyncRequest }
func (SyncReplyBody) messageType() MessageType     { return MessageSyncReply }
func (InputBody) messageType() MessageType         { return MessageInput }
func (InputAckBody) messageType() MessageType      { return MessageInputAck }
func (QualityReportBody) messageType() MessageType { return MessageQualityReport }
func (QualityReplyBody) messageType() MessageType  { return MessageQualityReply }
func (KeepAliveBody) messageType() MessageType     { return MessageKeepAlive }
func (DisconnectBody) messageType() MessageType    { return MessageDisconnect }

func (b SyncRequestBody) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, b.Nonce)
}

func (b SyncReplyBody) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, b.Nonce)
}

func (b InputBody) appendPayload(dst []byte) []byte {
	dst = appendFrame(dst, b.StartFrame)
	dst = appendFrame(dst, b.AckFrame)
	var flags byte
	if b.DisconnectRequested {
		flags |= 0x01
	}
	dst = append(dst, flags)
	dst = append(dst, byte(len(b.ConnectStatus)))
	for _, status := range b.ConnectStatus {
		var disconnected byte
		if status.Disconnected {
			disconnected = 1
		}
		dst = append(dst, disconnected)
		dst = appendFrame(dst, status.LastFrame)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b.Bytes)))
	return append(dst, b.Bytes...)
}

func (b InputAckBody) appendPayload(dst []byte) []byte {
	return appendFrame(dst, b.AckFrame)
}

func (b QualityReportBody) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, b.Ping)
	return binary.BigEndian.AppendUint32(dst, uint32(b.FrameAdvantage))
}

func (b QualityReplyBody) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint64(dst, b.Pong)
}

func (KeepAliveBody) appendPayload(dst []byte) []byte { return dst }

func (DisconnectBody) appendPayload(dst []byte) []byte { return dst }

// Serialize converts a message to its wire representation:
// [magic (2)][sequence (2)][type (1)][payload].
func (m *Message) Serialize() ([]byte, error) {
	if m.Body == nil {
		return nil, errors.New("message body is nil")
	}
	if in, ok := m.Body.(InputBody); ok && len(in.Bytes) > MaxPayloadBytes {
		return nil, fmt.Errorf("input payload of %d bytes exceeds %d", len(in.Bytes), MaxPayloadBytes)
	}

	dst := make([]byte, 0, headerSize+16)
	dst = binary.BigEndian.AppendUint16(dst, m.Header.Magic)
	dst = binary.BigEndian.AppendUint16(dst, m.Header.SequenceNumber)
	dst = append(dst, byte(m.Body.messageType()))
	return m.Body.appendPayload(dst), nil
}

// ParseMessage converts a received datagram into a Message. Any layout
// violation returns an error; callers drop such datagrams silently and
// rely on retransmission.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, ErrMessageTooShort
	}

	msg := &Message{
		Header: Header{
			Magic:          binary.BigEndian.Uint16(data[0:2]),
			SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		},
	}
	payload := data[headerSize:]

	var err error
	switch MessageType(data[4]) {
	case MessageSyncRequest:
		msg.Body, err = parseSyncRequest(payload)
	case MessageSyncReply:
		msg.Body, err = parseSyncReply(payload)
	case MessageInput:
		msg.Body, err = parseInput(payload)
	case MessageInputAck:
		msg.Body, err = parseInputAck(payload)
	case MessageQualityReport:
		msg.Body, err = parseQualityReport(payload)
	case MessageQualityReply:
		msg.Body, err = parseQualityReply(payload)
	case MessageKeepAlive:
		msg.Body = KeepAliveBody{}
	case MessageDisconnect:
		msg.Body = DisconnectBody{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, data[4])
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func parseSyncRequest(payload []byte) (Body, error) {
	if len(payload) < 4 {
		return nil, ErrMessageTooShort
	}
	return SyncRequestBody{Nonce: binary.BigEndian.Uint32(payload)}, nil
}

func parseSyncReply(payload []byte) (Body, error) {
	if len(payload) < 4 {
		return nil, ErrMessageTooShort
	}
	return SyncReplyBody{Nonce: binary.BigEndian.Uint32(payload)}, nil
}

func parseInput(payload []byte) (Body, error) {
	if len(payload) < 10 {
		return nil, ErrMessageTooShort
	}
	body := InputBody{
		StartFrame: readFrame(payload[0:4]),
		AckFrame:   readFrame(payload[4:8]),
	}
	body.DisconnectRequested = payload[8]&0x01 != 0

	numPlayers := int(payload[9])
	offset := 10
	if len(payload) < offset+numPlayers*5+2 {
		return nil, ErrMessageTooShort
	}
	body.ConnectStatus = make([]input.ConnectStatus, numPlayers)
	for i := 0; i < numPlayers; i++ {
		body.ConnectStatus[i] = input.ConnectStatus{
			Disconnected: payload[offset] != 0,
			LastFrame:    readFrame(payload[offset+1 : offset+5]),
		}
		offset += 5
	}

	byteLen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if byteLen > MaxPayloadBytes {
		return nil, fmt.Errorf("declared payload of %d bytes exceeds %d", byteLen, MaxPayloadBytes)
	}
	if len(payload) < offset+byteLen {
		return nil, ErrMessageTooShort
	}
	body.Bytes = make([]byte, byteLen)
	copy(body.Bytes, payload[offset:offset+byteLen])
	return body, nil
}

func parseInputAck(payload []byte) (Body, error) {
	if len(payload) < 4 {
		return nil, ErrMessageTooShort
	}
	return InputAckBody{AckFrame: readFrame(payload)}, nil
}

func parseQualityReport(payload []byte) (Body, error) {
	if len(payload) < 12 {
		return nil, ErrMessageTooShort
	}
	return QualityReportBody{
		Ping:           binary.BigEndian.Uint64(payload[0:8]),
		FrameAdvantage: int32(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

func parseQualityReply(payload []byte) (Body, error) {
	if len(payload) < 8 {
		return nil, ErrMessageTooShort
	}
	return QualityReplyBody{Pong: binary.BigEndian.Uint64(payload)}, nil
}

func appendFrame(dst []byte, frame input.Frame) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(frame))
}

func readFrame(src []byte) input.Frame {
	return input.Frame(binary.BigEndian.Uint32(src))
}
