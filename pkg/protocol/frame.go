package protocol

import (
	"bytes"
	"encoding/binary"
)

// Wire framing over the stream transport. Two frame shapes share a one
// byte command prefix:
//
//	'A' | u32 BE length | payload            application data
//	cmd | u16 BE length | command data       protocol command
//
// All lengths are big-endian. 'A' is reserved for data and never valid as
// a command.
const (
	CmdData    byte = 'A'
	CmdKey     byte = 'K'
	CmdVersion byte = 'V'

	DataHeaderLen    = 5
	CommandHeaderLen = 3
	MaxCommandData   = 0xFFFF

	// CurrentVersion is the newest protocol version this package speaks.
	CurrentVersion = 1
)

// legalCommands is indexed by protocol version. Versions newer than the
// table use its last row.
var legalCommands = [][]byte{
	0: nil,
	1: {CmdKey, CmdVersion},
}

// IsLegalCommand reports whether cmd may be sent under version.
func IsLegalCommand(version int, cmd byte) bool {
	if cmd == CmdData || version < 0 {
		return false
	}
	if version >= len(legalCommands) {
		version = len(legalCommands) - 1
	}
	return bytes.IndexByte(legalCommands[version], cmd) >= 0
}

// Frame is one decoded unit from the stream.
type Frame struct {
	Cmd  byte
	Data []byte
}

func (f Frame) IsData() bool { return f.Cmd == CmdData }

// EncodeData wraps a serialized message in an application-data frame.
func EncodeData(payload []byte) []byte {
	out := make([]byte, DataHeaderLen+len(payload))
	out[0] = CmdData
	binary.BigEndian.PutUint32(out[1:DataHeaderLen], uint32(len(payload)))
	copy(out[DataHeaderLen:], payload)
	return out
}

// EncodeCommand builds a protocol-command frame, failing when cmd is not
// legal under version or data does not fit the 16-bit length field.
func EncodeCommand(version int, cmd byte, data []byte) ([]byte, error) {
	if cmd == CmdData {
		return nil, &Error{Code: CodeIllegalCommand, Msg: "command byte 'A' is reserved for data", Cmd: cmd, Version: version}
	}
	if !IsLegalCommand(version, cmd) {
		return nil, &Error{Code: CodeIllegalCommand, Msg: "command not legal for protocol version", Cmd: cmd, Version: version}
	}
	if len(data) > MaxCommandData {
		return nil, &Error{Code: CodeIllegalCommand, Msg: "command data too long", Cmd: cmd, Version: version}
	}
	out := make([]byte, CommandHeaderLen+len(data))
	out[0] = cmd
	binary.BigEndian.PutUint16(out[1:CommandHeaderLen], uint16(len(data)))
	copy(out[CommandHeaderLen:], data)
	return out, nil
}

// NextFrameLength returns the total length of the frame starting at
// buf[0]. When the header itself is incomplete it returns the header
// length, which is always larger than len(buf) in that case.
func NextFrameLength(buf []byte) int {
	if len(buf) == 0 {
		return CommandHeaderLen
	}
	if buf[0] == CmdData {
		if len(buf) < DataHeaderLen {
			return DataHeaderLen
		}
		return DataHeaderLen + int(binary.BigEndian.Uint32(buf[1:DataHeaderLen]))
	}
	if len(buf) < CommandHeaderLen {
		return CommandHeaderLen
	}
	return CommandHeaderLen + int(binary.BigEndian.Uint16(buf[1:CommandHeaderLen]))
}

// DecodeFrame decodes exactly one complete frame. Data aliases frame.
func DecodeFrame(frame []byte) (Frame, error) {
	if len(frame) == 0 {
		return Frame{}, &Error{Code: CodeRemoteBadFrame, Msg: "empty frame"}
	}
	if !validCommandByte(frame[0]) {
		return Frame{}, &Error{Code: CodeRemoteBadFrame, Msg: "invalid command byte", Cmd: frame[0]}
	}
	if n := NextFrameLength(frame); n != len(frame) {
		return Frame{}, NewError(CodeRemoteBadFrame, "frame length %d, have %d bytes", n, len(frame))
	}
	hdr := CommandHeaderLen
	if frame[0] == CmdData {
		hdr = DataHeaderLen
	}
	return Frame{Cmd: frame[0], Data: frame[hdr:]}, nil
}

// Any non-NUL ASCII byte frames a command; whether it is a known command
// is decided after decoding, so the stream stays in sync.
func validCommandByte(b byte) bool { return b != 0 && b < 0x80 }
