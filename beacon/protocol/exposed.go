package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedList = errors.New("protocol: malformed exposed list")

// Exposee is one published case key.
type Exposee struct {
	Key []byte
	// KeyDate is the start of the onset day in milliseconds since the epoch.
	KeyDate int64
}

// ExposedList is the body of a batch response:
//
//	message ProtoExposedList {
//	  int64 batchReleaseTime = 1;
//	  repeated ProtoExposeeJson exposed = 2;
//	}
//	message ProtoExposeeJson {
//	  bytes key = 1;
//	  int64 keyDate = 2;
//	}
type ExposedList struct {
	BatchReleaseTime int64
	Exposed          []Exposee
}

// MarshalExposedList encodes l in protobuf wire format.
func MarshalExposedList(l ExposedList) []byte {
	var b []byte
	if l.BatchReleaseTime != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(l.BatchReleaseTime))
	}
	for _, e := range l.Exposed {
		var m []byte
		if len(e.Key) > 0 {
			m = protowire.AppendTag(m, 1, protowire.BytesType)
			m = protowire.AppendBytes(m, e.Key)
		}
		if e.KeyDate != 0 {
			m = protowire.AppendTag(m, 2, protowire.VarintType)
			m = protowire.AppendVarint(m, uint64(e.KeyDate))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// UnmarshalExposedList decodes a protobuf encoded list. Unknown fields are skipped.
func UnmarshalExposedList(b []byte) (ExposedList, error) {
	var l ExposedList
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			l.BatchReleaseTime = int64(x)
		case num == 2 && typ == protowire.BytesType:
			e, err := unmarshalExposee(v)
			if err != nil {
				return err
			}
			l.Exposed = append(l.Exposed, e)
		}
		return nil
	})
	if err != nil {
		return ExposedList{}, err
	}
	return l, nil
}

func unmarshalExposee(b []byte) (Exposee, error) {
	var e Exposee
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			e.Key = append([]byte(nil), v...)
		case num == 2 && typ == protowire.VarintType:
			e.KeyDate = int64(x)
		}
		return nil
	})
	return e, err
}

// walk calls fn for every top-level field of a message. Varint values are passed
// in x, length-delimited values in v.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedList, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedList, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
