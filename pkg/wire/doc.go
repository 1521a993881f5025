/*
Package wire implements the framed worker protocol spoken between the
coordinator and its remote workers.

Every message is a length-prefixed frame: a fixed four-byte big-endian length
followed by that many bytes, of which the first is the opcode and the rest is
the opcode-specific payload. The opcode space is extensible; the execution
engine currently understands Hey, Put, Execute and Executed.

The Parser is deliberately split-agnostic: the transport may deliver a frame
stream cut at arbitrary byte boundaries and the parser yields the identical
message sequence.
*/
package wire
