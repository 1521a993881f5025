package wire

import (
	"encoding/binary"
	"fmt"
)

// Parser is a stateful frame parser. Bytes are appended with Parse in
// whatever chunks the transport delivers them; fully-framed messages are
// exposed through Front/Pop while partial frames stay buffered.
type Parser struct {
	buf      []byte
	messages []Message
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse appends data and extracts every complete frame from the buffer.
func (p *Parser) Parse(data []byte) error {
	p.buf = append(p.buf, data...)

	for {
		if len(p.buf) < lengthPrefixSize {
			return nil
		}
		frameLen := binary.BigEndian.Uint32(p.buf)
		if frameLen == 0 {
			return fmt.Errorf("zero-length frame")
		}
		if uint32(len(p.buf)-lengthPrefixSize) < frameLen {
			return nil
		}

		body := p.buf[lengthPrefixSize : lengthPrefixSize+frameLen]
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])
		p.messages = append(p.messages, Message{
			OpCode:  OpCode(body[0]),
			Payload: payload,
		})
		p.buf = p.buf[lengthPrefixSize+frameLen:]
	}
}

// Empty reports whether no complete message is pending.
func (p *Parser) Empty() bool {
	return len(p.messages) == 0
}

// Front returns the oldest pending message. Callers must check Empty first.
func (p *Parser) Front() *Message {
	return &p.messages[0]
}

// Pop discards the oldest pending message.
func (p *Parser) Pop() {
	p.messages = p.messages[1:]
}
