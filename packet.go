// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package objwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Packet is the parsed format of an objwire v0 packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'O', 'W', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if hdr := string(buf[:3]); hdr != "OW\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", hdr)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}

	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketCancel:
		var can Cancel
		if err := can.UnmarshalBinary(p.Payload); err == nil {
			pay = can.String()
		}
	case PacketResponse:
		var rsp Response
		if err := rsp.UnmarshalBinary(p.Payload); err == nil {
			pay = rsp.String()
		}
	case PacketRelease:
		var rel Release
		if err := rel.UnmarshalBinary(p.Payload); err == nil {
			pay = rel.String()
		}
	case PacketSignal:
		var sig Signal
		if err := sig.UnmarshalBinary(p.Payload); err == nil {
			pay = sig.String()
		}
	case PacketSignalReg:
		var reg SignalReg
		if err := reg.UnmarshalBinary(p.Payload); err == nil {
			pay = reg.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(OW%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of an objwire v0 packet.
//
// All packet type values from 0 to 127 inclusive are reserved by the
// protocol and MUST NOT be used for any other purpose. Packet type
// values from 128-255 are reserved for use by the implementation.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // The initial request for a call
	PacketCancel   PacketType = 3 // A cancellation signal for a pending call
	PacketResponse PacketType = 4 // The final response from a call

	// PacketRelease carries a one-way "del" notice (§4.D, §4.E): no
	// reply is expected or sent. It lives in the implementation-defined
	// range because the base protocol reserves only request, cancel and
	// response as universal verbs; release is specific to this system's
	// object-identity lifecycle.
	PacketRelease PacketType = 128

	// PacketSignal carries a one-way signal delivery for the
	// supplemented Signals feature (package signal): no reply is
	// expected or sent. Peers that never register a class with
	// signals never send or handle this packet type.
	PacketSignal PacketType = 129

	// PacketSignalReg carries a one-way capability registration: the
	// side that just materialized a stub for a signal-bearing class
	// tells the owning side which capability to target for each of the
	// stub's signals, so the owner's later Session.EmitSignal calls know
	// where to deliver. No reply is expected or sent.
	PacketSignalReg PacketType = 130

	maxReservedType = 127
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	case PacketRelease:
		return "RELEASE"
	case PacketSignal:
		return "SIGNAL"
	case PacketSignalReg:
		return "SIGNAL_REG"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Request is the payload format for an objwire v0 request packet.
//
// Unlike a general-purpose RPC peer keyed by a numeric method ID, a
// Request here is keyed by a verb name: one of the nine fixed wire verbs
// of package verb. Signals do not travel as Requests; they use the
// separate PacketSignal and PacketSignalReg packet types.
type Request struct {
	RequestID uint32
	Method    string
	Data      []byte
}

// Encode encodes the request data in binary format.
func (r Request) Encode() []byte {
	mb := []byte(r.Method)
	buf := make([]byte, 4+2+len(mb)+len(r.Data)) // 4 request ID, 2 method length
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(mb)))
	n := copy(buf[6:], mb)
	copy(buf[6+n:], r.Data)
	return buf
}

// UnmarshalBinary decodes data into an objwire v0 request payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	mlen := int(binary.BigEndian.Uint16(data[4:]))
	if 6+mlen > len(data) {
		return fmt.Errorf("truncated method name (%d > %d bytes)", 6+mlen, len(data))
	}
	r.Method = string(data[6 : 6+mlen])
	if rest := data[6+mlen:]; len(rest) > 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, Method=%q, Data=%+v)", r.RequestID, r.Method, r.Data)
}

// Response is the payload format for an objwire v0 response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response data in binary format.
func (r Response) Encode() []byte {
	buf := make([]byte, 5+len(r.Data)) // 4 request ID, 1 code
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	buf[4] = byte(r.Code)
	copy(buf[5:], r.Data)
	return buf
}

// UnmarshalBinary decodes data into an objwire v0 response payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("short response payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	r.Code = ResultCode(data[4])
	if r.Code > CodeDuplicateRemote {
		return fmt.Errorf("invalid result code %d", r.Code)
	}
	if len(data[5:]) > 0 {
		r.Data = data[5:]
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	var data string
	if r.Code == CodeServiceError {
		var ed ErrorData
		if ed.UnmarshalBinary(r.Data) == nil {
			data = fmt.Sprintf("ErrorData(Code=%d, [%d bytes], %q)", ed.Code, len(ed.Data), ed.Message)
		}
	}
	if data == "" {
		if len(r.Data) > 16 {
			data = fmt.Sprintf("Data=%+v ...", r.Data[:16])
		} else {
			data = fmt.Sprintf("Data=%+v", r.Data)
		}
	}
	return fmt.Sprintf("Response(ID=%v, Code=%v, %s)", r.RequestID, r.Code, data)
}

// ResultCode describes the result status of a completed call.  All result
// codes not defined here are reserved for future use by the protocol.
type ResultCode byte

const (
	CodeSuccess       ResultCode = 0 // Call completed successfully
	CodeUnknownMethod ResultCode = 1 // Requested an unknown method
	CodeDuplicateID   ResultCode = 2 // Duplicate request ID
	CodeCanceled      ResultCode = 3 // Call was canceled
	CodeServiceError  ResultCode = 4 // Call failed due to a service error

	// Codes below are specific to this system's object-graph error
	// taxonomy (§7); they allow a caller to distinguish these kinds
	// without parsing the service error message.
	CodeUnknownRemote      ResultCode = 5
	CodeUnknownLocal       ResultCode = 6
	CodeUnknownParentClass ResultCode = 7
	CodeDuplicateRemote    ResultCode = 8
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownMethod:
		return "UNKNOWN_METHOD"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	case CodeUnknownRemote:
		return "UNKNOWN_REMOTE"
	case CodeUnknownLocal:
		return "UNKNOWN_LOCAL"
	case CodeUnknownParentClass:
		return "UNKNOWN_PARENT_CLASS"
	case CodeDuplicateRemote:
		return "DUPLICATE_REMOTE"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// Cancel is the payload format for an objwire v0 cancel request packet.
type Cancel struct {
	RequestID uint32
}

// Encode encodes the cancel request data in binary format.
func (c Cancel) Encode() []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], c.RequestID)
	return buf[:]
}

// UnmarshalBinary decodes data into an objwire v0 cancel payload.
// It implements encoding.BinaryUnmarshaler.
func (c *Cancel) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

// String returns a human-friendly rendering of the cancellation.
func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%v)", c.RequestID) }

// Release is the payload format for a one-way "del" notice (§4.D):
// {idRemote: ID}. It expects no reply; see [Peer.SendPacket].
type Release struct {
	IDRemote string
}

// Encode encodes the release notice in binary format.
func (r Release) Encode() []byte { return []byte(r.IDRemote) }

// UnmarshalBinary decodes data into a release notice.
// It implements encoding.BinaryUnmarshaler.
func (r *Release) UnmarshalBinary(data []byte) error {
	r.IDRemote = string(data)
	return nil
}

// String returns a human-friendly rendering of the release notice.
func (r Release) String() string { return fmt.Sprintf("Release(IDRemote=%q)", r.IDRemote) }

// Signal is the payload format for a one-way signal delivery (the
// supplemented Signals feature): a capability token identifying which
// registered listener on the receiving peer should fire, plus an
// arbitrary payload. It expects no reply; see [Peer.SendPacket].
type Signal struct {
	Capability string
	Data       []byte
}

// Encode encodes the signal in binary format.
func (s Signal) Encode() []byte {
	buf := make([]byte, 2+len(s.Capability)+len(s.Data))
	binary.BigEndian.PutUint16(buf[0:], uint16(len(s.Capability)))
	copy(buf[2:], s.Capability)
	copy(buf[2+len(s.Capability):], s.Data)
	return buf
}

// UnmarshalBinary decodes data into a signal delivery.
// It implements encoding.BinaryUnmarshaler.
func (s *Signal) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid signal data (%d bytes)", len(data))
	}
	clen := int(binary.BigEndian.Uint16(data[0:]))
	if 2+clen > len(data) {
		return fmt.Errorf("signal capability truncated (%d > %d bytes)", 2+clen, len(data))
	}
	s.Capability = string(data[2 : 2+clen])
	s.Data = data[2+clen:]
	return nil
}

// String returns a human-friendly rendering of the signal.
func (s Signal) String() string {
	return fmt.Sprintf("Signal(Capability=%q, [%d bytes])", s.Capability, len(s.Data))
}

// SignalReg is the payload format for a one-way signal capability
// registration: {id, name, capability}. It expects no reply; see
// [Peer.SendPacket].
type SignalReg struct {
	ID         string // the signal-bearing instance's ID, as the owning side knows it
	Name       string // the signal's name, as declared in the class description
	Capability string // the token Session.EmitSignal must target to reach this stub
}

// Encode encodes the registration in binary format.
func (r SignalReg) Encode() []byte {
	buf := make([]byte, 4+len(r.ID)+len(r.Name)+len(r.Capability))
	binary.BigEndian.PutUint16(buf[0:], uint16(len(r.ID)))
	binary.BigEndian.PutUint16(buf[2:], uint16(len(r.Name)))
	n := copy(buf[4:], r.ID)
	n += copy(buf[4+n:], r.Name)
	copy(buf[4+n:], r.Capability)
	return buf
}

// UnmarshalBinary decodes data into a signal capability registration.
// It implements encoding.BinaryUnmarshaler.
func (r *SignalReg) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("invalid signal registration (%d bytes)", len(data))
	}
	idLen := int(binary.BigEndian.Uint16(data[0:]))
	nameLen := int(binary.BigEndian.Uint16(data[2:]))
	if 4+idLen+nameLen > len(data) {
		return fmt.Errorf("signal registration truncated (%d > %d bytes)", 4+idLen+nameLen, len(data))
	}
	r.ID = string(data[4 : 4+idLen])
	r.Name = string(data[4+idLen : 4+idLen+nameLen])
	r.Capability = string(data[4+idLen+nameLen:])
	return nil
}

// String returns a human-friendly rendering of the registration.
func (r SignalReg) String() string {
	return fmt.Sprintf("SignalReg(ID=%q, Name=%q, Capability=%q)", r.ID, r.Name, r.Capability)
}

// ErrorData is the response data format for a service error response.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error. This can be used by method handlers to control the error code
// and auxiliary data reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, 65535)
	mlen := len(msg)

	buf := make([]byte, 4+mlen+len(e.Data)) // 2 code, 2 length
	binary.BigEndian.PutUint16(buf[0:], e.Code)
	binary.BigEndian.PutUint16(buf[2:], uint16(mlen))
	copy(buf[4:], msg)
	copy(buf[4+mlen:], e.Data)
	return buf
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point <= n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && s[n-1]&0xc0 == 0x80 {
		n--
	}
	if n > 0 && s[n-1]&0xc0 == 0xc0 {
		n--
	}
	return s[:n]
}

// UnmarshalBinary decodes data into an objwire v0 error data payload.
// It implements encoding.BinaryUnmarshaler.
func (e *ErrorData) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	} else if len(data) < 4 {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}

	mlen := int(binary.BigEndian.Uint16(data[2:]))
	if 4+mlen > len(data) {
		return fmt.Errorf("error message truncated (%d > %d bytes)", 4+mlen, len(data))
	}
	e.Code = binary.BigEndian.Uint16(data[0:])
	e.Message = string(data[4 : 4+mlen])
	if d := data[4+mlen:]; len(data) != 0 {
		e.Data = d
	} else {
		e.Data = nil
	}
	return nil
}
