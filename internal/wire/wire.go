/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package wire implements the TFTP wire format: RFC 1350 base opcodes plus
// the RFC 2347 option extension and RFC 2348 blksize option. All multi-byte
// integers are big-endian; all strings are NUL-terminated.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Opcode identifies a TFTP packet type.
type Opcode uint16

// Opcode constants, RFC 1350 §5 and RFC 2347.
const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// Mode is a TFTP transfer mode, RFC 1350 §5.
type Mode string

// Mode constants.
const (
	ModeNetascii Mode = "netascii"
	ModeOctet    Mode = "octet"
	ModeMail     Mode = "mail"
)

// ParseMode lowercases a mode string from the wire. It does not reject
// unknown modes; the result may be none of the Mode constants.
func ParseMode(s string) Mode {
	return Mode(asciiLower(s))
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ErrorCode is the wire value of a TFTP ERROR packet, RFC 1350 §5.
type ErrorCode uint16

// ErrorCode constants.
const (
	ErrNotDefined              ErrorCode = 0
	ErrFileNotFound            ErrorCode = 1
	ErrAccessViolation         ErrorCode = 2
	ErrDiskFull                ErrorCode = 3
	ErrIllegalOperation        ErrorCode = 4
	ErrUnknownTID              ErrorCode = 5
	ErrFileExists              ErrorCode = 6
	ErrNoSuchUser              ErrorCode = 7
	ErrOptionNegotiationFailed ErrorCode = 8
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNotDefined:
		return "not defined"
	case ErrFileNotFound:
		return "file not found"
	case ErrAccessViolation:
		return "access violation"
	case ErrDiskFull:
		return "disk full"
	case ErrIllegalOperation:
		return "illegal TFTP operation"
	case ErrUnknownTID:
		return "unknown transfer ID"
	case ErrFileExists:
		return "file already exists"
	case ErrNoSuchUser:
		return "no such user"
	case ErrOptionNegotiationFailed:
		return "option negotiation failed"
	default:
		return fmt.Sprintf("error code %d", uint16(e))
	}
}

// Options is an ordered map of lowercased option name -> value, one value
// per name.
// Insertion order must survive a decode-then-encode round trip, since RFC
// 2347 clients may rely on the order options are acknowledged in.
type Options struct {
	keys   []string
	values map[string]string
}

// NewOptions returns an empty, ready-to-use Options.
func NewOptions() *Options {
	return &Options{values: make(map[string]string)}
}

// Set stores value under key, preserving the position of the first Set for
// that key (re-Setting an existing key updates the value in place).
func (o *Options) Set(key, value string) {
	if o.values == nil {
		o.values = make(map[string]string)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value for key and whether it was present.
func (o *Options) Get(key string) (string, bool) {
	if o == nil || o.values == nil {
		return "", false
	}
	v, ok := o.values[key]
	return v, ok
}

// Len reports the number of distinct options stored.
func (o *Options) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns the option names in insertion order.
func (o *Options) Keys() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.keys...)
}

// Packet is implemented by every decoded/encodable TFTP packet shape.
type Packet interface {
	Opcode() Opcode
	Encode() []byte
}

// ReadRequest is an RRQ packet.
type ReadRequest struct {
	Filename string
	Mode     Mode
	Options  *Options
}

// Opcode implements Packet.
func (*ReadRequest) Opcode() Opcode { return OpRRQ }

// Encode implements Packet.
func (p *ReadRequest) Encode() []byte {
	return encodeRequest(OpRRQ, p.Filename, p.Mode, p.Options)
}

// WriteRequest is a WRQ packet.
type WriteRequest struct {
	Filename string
	Mode     Mode
	Options  *Options
}

// Opcode implements Packet.
func (*WriteRequest) Opcode() Opcode { return OpWRQ }

// Encode implements Packet.
func (p *WriteRequest) Encode() []byte {
	return encodeRequest(OpWRQ, p.Filename, p.Mode, p.Options)
}

func encodeRequest(op Opcode, filename string, mode Mode, opts *Options) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, uint16(op))
	buf.WriteString(filename)
	buf.WriteByte(0)
	buf.WriteString(string(mode))
	buf.WriteByte(0)
	for _, k := range opts.Keys() {
		v, _ := opts.Get(k)
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Data is a DATA packet. Payload must not exceed the negotiated blksize.
type Data struct {
	Block   uint16
	Payload []byte
}

// Opcode implements Packet.
func (*Data) Opcode() Opcode { return OpDATA }

// Encode implements Packet.
func (p *Data) Encode() []byte {
	b := make([]byte, 4+len(p.Payload))
	binary.BigEndian.PutUint16(b[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(b[2:4], p.Block)
	copy(b[4:], p.Payload)
	return b
}

// Ack is an ACK packet.
type Ack struct {
	Block uint16
}

// Opcode implements Packet.
func (*Ack) Opcode() Opcode { return OpACK }

// Encode implements Packet.
func (p *Ack) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(b[2:4], p.Block)
	return b
}

// Error is an ERROR packet. It implements the error interface so session
// code can propagate it as a regular Go error and still recover the wire
// error code and message at the point it needs to be sent to a peer.
type Error struct {
	Code    ErrorCode
	Message string
}

// Opcode implements Packet.
func (*Error) Opcode() Opcode { return OpERROR }

// Encode implements Packet.
func (p *Error) Encode() []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, uint16(OpERROR))
	_ = binary.Write(buf, binary.BigEndian, uint16(p.Code))
	buf.WriteString(p.Message)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Error implements the error interface.
func (p *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", p.Code, uint16(p.Code), p.Message)
}

// OptionAck is an OACK packet, RFC 2347.
type OptionAck struct {
	Options *Options
}

// Opcode implements Packet.
func (*OptionAck) Opcode() Opcode { return OpOACK }

// Encode implements Packet.
func (p *OptionAck) Encode() []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, uint16(OpOACK))
	for _, k := range p.Options.Keys() {
		v, _ := p.Options.Get(k)
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// ErrMalformedPacket is returned by Decode for any input that does not
// parse as one of the six recognized TFTP packet shapes.
var ErrMalformedPacket = fmt.Errorf("malformed TFTP packet")

// Decode parses a raw UDP datagram payload into one of the six packet
// shapes. It is the single entry point every other component uses to turn
// bytes into a typed Packet, mirroring the facebook/time PTP codec's
// DecodePacket dispatch-on-opcode pattern.
func Decode(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, ErrMalformedPacket
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	rest := b[2:]
	switch op {
	case OpRRQ, OpWRQ:
		return decodeRequest(op, rest)
	case OpDATA:
		return decodeData(rest)
	case OpACK:
		return decodeAck(rest)
	case OpERROR:
		return decodeError(rest)
	case OpOACK:
		return decodeOptionAck(rest)
	default:
		return nil, fmt.Errorf("%w: opcode %d", ErrMalformedPacket, uint16(op))
	}
}

func readCString(b []byte) (string, []byte, error) {
	idx := bytes.IndexByte(b, 0)
	if idx == -1 {
		return "", nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedPacket)
	}
	return string(b[:idx]), b[idx+1:], nil
}

func decodeRequest(op Opcode, b []byte) (Packet, error) {
	filename, rest, err := readCString(b)
	if err != nil {
		return nil, err
	}
	modeStr, rest, err := readCString(rest)
	if err != nil {
		return nil, err
	}

	opts := NewOptions()
	for len(rest) > 0 {
		name, r2, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty option name", ErrMalformedPacket)
		}
		value, r3, err := readCString(r2)
		if err != nil {
			return nil, err
		}
		opts.Set(asciiLower(name), value)
		rest = r3
	}

	mode := ParseMode(modeStr)
	if op == OpRRQ {
		return &ReadRequest{Filename: filename, Mode: mode, Options: opts}, nil
	}
	return &WriteRequest{Filename: filename, Mode: mode, Options: opts}, nil
}

func decodeData(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: short DATA", ErrMalformedPacket)
	}
	block := binary.BigEndian.Uint16(b[0:2])
	payload := append([]byte(nil), b[2:]...)
	return &Data{Block: block, Payload: payload}, nil
}

func decodeAck(b []byte) (Packet, error) {
	if len(b) != 2 {
		return nil, fmt.Errorf("%w: ACK must be exactly 4 bytes", ErrMalformedPacket)
	}
	return &Ack{Block: binary.BigEndian.Uint16(b[0:2])}, nil
}

func decodeError(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: short ERROR", ErrMalformedPacket)
	}
	code := ErrorCode(binary.BigEndian.Uint16(b[0:2]))
	msg, _, err := readCString(b[2:])
	if err != nil {
		return nil, err
	}
	return &Error{Code: code, Message: msg}, nil
}

func decodeOptionAck(b []byte) (Packet, error) {
	opts := NewOptions()
	rest := b
	for len(rest) > 0 {
		name, r2, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty option name", ErrMalformedPacket)
		}
		value, r3, err := readCString(r2)
		if err != nil {
			return nil, err
		}
		opts.Set(asciiLower(name), value)
		rest = r3
	}
	return &OptionAck{Options: opts}, nil
}
