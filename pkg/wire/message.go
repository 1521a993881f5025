package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// OpCode identifies the kind of a framed message.
type OpCode byte

const (
	OpHey OpCode = iota
	OpPut
	OpExecute
	OpExecuted
)

// String returns the wire name of the opcode.
func (op OpCode) String() string {
	switch op {
	case OpHey:
		return "hey"
	case OpPut:
		return "put"
	case OpExecute:
		return "execute"
	case OpExecuted:
		return "executed"
	default:
		return fmt.Sprintf("opcode(%d)", byte(op))
	}
}

// lengthPrefixSize is the fixed width of the frame length prefix.
const lengthPrefixSize = 4

// Message is one framed protocol message: an opcode and an opaque payload.
type Message struct {
	OpCode  OpCode
	Payload []byte
}

// Encode renders the message as a length-prefixed frame.
func (m *Message) Encode() []byte {
	frame := make([]byte, lengthPrefixSize+1+len(m.Payload))
	binary.BigEndian.PutUint32(frame, uint32(1+len(m.Payload)))
	frame[lengthPrefixSize] = byte(m.OpCode)
	copy(frame[lengthPrefixSize+1:], m.Payload)
	return frame
}

// PutPayload is the body of a Put message: a blob and its content hash.
type PutPayload struct {
	Hash string
	Data []byte
}

// EncodePut renders a Put payload: hash length, hash bytes, blob bytes.
func EncodePut(p PutPayload) []byte {
	buf := make([]byte, 4+len(p.Hash)+len(p.Data))
	binary.BigEndian.PutUint32(buf, uint32(len(p.Hash)))
	copy(buf[4:], p.Hash)
	copy(buf[4+len(p.Hash):], p.Data)
	return buf
}

// DecodePut parses a Put payload.
func DecodePut(payload []byte) (PutPayload, error) {
	if len(payload) < 4 {
		return PutPayload{}, fmt.Errorf("put payload too short: %d bytes", len(payload))
	}
	hashLen := binary.BigEndian.Uint32(payload)
	if uint32(len(payload)-4) < hashLen {
		return PutPayload{}, fmt.Errorf("put payload truncated: hash length %d, %d bytes left",
			hashLen, len(payload)-4)
	}
	return PutPayload{
		Hash: string(payload[4 : 4+hashLen]),
		Data: payload[4+hashLen:],
	}, nil
}

// ExecutedOutput is one named output of an executed thunk. Data, when
// present, carries the blob inline as base64.
type ExecutedOutput struct {
	Tag  string `json:"tag"`
	Hash string `json:"hash"`
	Data string `json:"data,omitempty"`
}

// ExecutedResponse is the body of an Executed message.
type ExecutedResponse struct {
	ThunkHash string           `json:"thunk_hash"`
	Outputs   []ExecutedOutput `json:"outputs"`
}

// DecodeExecuted parses an Executed payload and enforces the non-empty
// outputs requirement.
func DecodeExecuted(payload []byte) (ExecutedResponse, error) {
	var resp ExecutedResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return ExecutedResponse{}, fmt.Errorf("malformed executed payload: %w", err)
	}
	if len(resp.Outputs) == 0 {
		return ExecutedResponse{}, fmt.Errorf("executed response for %s has no outputs", resp.ThunkHash)
	}
	return resp, nil
}

// EncodeExecuted renders an Executed payload.
func EncodeExecuted(resp ExecutedResponse) ([]byte, error) {
	return json.Marshal(resp)
}
