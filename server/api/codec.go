package api

import (
	"fmt"
	"net/netip"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/frobware/go-nicctl"
)

// CodecName is the gRPC content subtype of Codec.
const CodecName = "nicctl-proto"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec marshals the service messages in the protocol buffer wire
// format. Field numbers follow declaration order in api.go. Unknown
// fields are skipped, so either end may add fields.
type Codec struct{}

// message is implemented by every request and response type.
type message interface {
	appendWire(b []byte) []byte
	unmarshalWire(b []byte) error
}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("codec %s: cannot marshal %T", CodecName, v)
	}
	return m.appendWire(nil), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("codec %s: cannot unmarshal into %T", CodecName, v)
	}
	if err := m.unmarshalWire(data); err != nil {
		return fmt.Errorf("codec %s: %T: %w", CodecName, v, err)
	}
	return nil
}

func (Codec) Name() string { return CodecName }

type unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

type signed interface {
	~int | ~int64
}

// Scalars equal to zero are omitted; absent fields decode as zero.

func appendUint[T unsigned](b []byte, num protowire.Number, v T) []byte {
	if v == 0 {
		return b
	}
	return appendPresent(b, num, v)
}

// appendPresent encodes v even when it is zero, for optional fields.
func appendPresent[T unsigned](b []byte, num protowire.Number, v T) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt[T signed](b []byte, num protowire.Number, v T) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendPresent(b, num, uint8(1))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessage always encodes m so that its presence survives.
func appendMessage(b []byte, num protowire.Number, m message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}

func appendAddr(b []byte, num protowire.Number, a netip.Addr) []byte {
	raw, _ := a.MarshalBinary()
	return appendBytes(b, num, raw)
}

// field is one decoded field. Only varint and length-delimited values
// are kept; other wire types are skipped.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func (f field) wrongType() error {
	return fmt.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
}

// eachField calls fn for every varint and length-delimited field in b.
func eachField(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeUint[T unsigned](f field, p *T) error {
	if f.typ != protowire.VarintType {
		return f.wrongType()
	}
	v := T(f.u)
	if uint64(v) != f.u {
		return fmt.Errorf("field %d: value %d out of range", f.num, f.u)
	}
	*p = v
	return nil
}

func decodeOptional[T unsigned](f field, p **T) error {
	var v T
	if err := decodeUint(f, &v); err != nil {
		return err
	}
	*p = &v
	return nil
}

func decodeRepeatedUint[T unsigned](f field, p *[]T) error {
	var v T
	if err := decodeUint(f, &v); err != nil {
		return err
	}
	*p = append(*p, v)
	return nil
}

func decodeInt[T signed](f field, p *T) error {
	if f.typ != protowire.VarintType {
		return f.wrongType()
	}
	*p = T(protowire.DecodeZigZag(f.u))
	return nil
}

func decodeBool(f field, p *bool) error {
	if f.typ != protowire.VarintType {
		return f.wrongType()
	}
	*p = f.u != 0
	return nil
}

func decodeBytes(f field, p *[]byte) error {
	if f.typ != protowire.BytesType {
		return f.wrongType()
	}
	*p = append([]byte(nil), f.b...)
	return nil
}

func decodeString(f field, p *string) error {
	if f.typ != protowire.BytesType {
		return f.wrongType()
	}
	*p = string(f.b)
	return nil
}

func decodeRepeatedString(f field, p *[]string) error {
	var s string
	if err := decodeString(f, &s); err != nil {
		return err
	}
	*p = append(*p, s)
	return nil
}

// decodeFixed copies a length-delimited field that must fill dst.
func decodeFixed(f field, dst []byte) error {
	if f.typ != protowire.BytesType {
		return f.wrongType()
	}
	if len(f.b) != len(dst) {
		return fmt.Errorf("field %d: want %d bytes, got %d", f.num, len(dst), len(f.b))
	}
	copy(dst, f.b)
	return nil
}

func decodeMAC(f field, p *nicctl.MAC) error {
	return decodeFixed(f, p[:])
}

func decodeRepeatedMAC(f field, p *[]nicctl.MAC) error {
	var m nicctl.MAC
	if err := decodeMAC(f, &m); err != nil {
		return err
	}
	*p = append(*p, m)
	return nil
}

func decodeAddr(f field, p *netip.Addr) error {
	if f.typ != protowire.BytesType {
		return f.wrongType()
	}
	if err := p.UnmarshalBinary(f.b); err != nil {
		return fmt.Errorf("field %d: %w", f.num, err)
	}
	return nil
}

func decodeMessage(f field, m message) error {
	if f.typ != protowire.BytesType {
		return f.wrongType()
	}
	if err := m.unmarshalWire(f.b); err != nil {
		return fmt.Errorf("field %d: %w", f.num, err)
	}
	return nil
}

func decodeRepeated[T any, P interface {
	*T
	message
}](f field, p *[]T) error {
	var v T
	if err := decodeMessage(f, P(&v)); err != nil {
		return err
	}
	*p = append(*p, v)
	return nil
}
