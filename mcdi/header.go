package mcdi

import "fmt"

// The command buffer starts with one header word:
//
//	[7:0]   opcode
//	[11:8]  sequence tag
//	[12]    response: set by the controller when the buffer holds
//	        the response
//	[13]    error: the response payload starts with an errno
//	[31:16] payload length in bytes
const (
	hdrSeqShift    = 8
	hdrSeqMask     = 0xf
	hdrResponse    = 1 << 12
	hdrError       = 1 << 13
	hdrLenShift    = 16
	maxPayloadSize = 0xffff
)

// Header is a decoded header word.
type Header uint32

// RequestHeader builds the header the host writes.
func RequestHeader(op Opcode, seq uint8, n int) Header {
	return Header(uint32(op) | uint32(seq&hdrSeqMask)<<hdrSeqShift | uint32(n)<<hdrLenShift)
}

// ResponseHeader builds the header the controller writes.
func ResponseHeader(op Opcode, seq uint8, n int, isErr bool) Header {
	h := RequestHeader(op, seq, n) | hdrResponse
	if isErr {
		h |= hdrError
	}
	return h
}

func (h Header) Opcode() Opcode   { return Opcode(h & 0xff) }
func (h Header) Seq() uint8       { return uint8(h>>hdrSeqShift) & hdrSeqMask }
func (h Header) IsResponse() bool { return h&hdrResponse != 0 }
func (h Header) IsError() bool    { return h&hdrError != 0 }
func (h Header) Len() int         { return int(h >> hdrLenShift) }

func (h Header) String() string {
	return fmt.Sprintf("op=%s seq=%d len=%d resp=%t err=%t", h.Opcode(), h.Seq(), h.Len(), h.IsResponse(), h.IsError())
}
