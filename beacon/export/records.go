package export

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

var ErrMalformedRecord = errors.New("export: malformed record")

// header is the first frame of a stream.
type header struct {
	Version   uint64
	InstallID string
	CreatedAt int64
}

func marshalHeader(h header) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, h.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, h.InstallID)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.CreatedAt))
	return b
}

func unmarshalHeader(b []byte) (header, error) {
	var h header
	err := fields(b, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case 1:
			h.Version = x
		case 2:
			h.InstallID = string(v)
		case 3:
			h.CreatedAt = int64(x)
		}
		return nil
	})
	return h, err
}

// 1: ephId bytes, 2: timestamp ms, 3: rssi sint, 4: txPower sint (optional)
func marshalHandshake(h store.Handshake) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, h.EphID[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Timestamp.UnixMilli()))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(h.RSSI)))
	if h.TxPower != nil {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(*h.TxPower)))
	}
	return b
}

func unmarshalHandshake(b []byte) (store.Handshake, error) {
	var h store.Handshake
	err := fields(b, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case 1:
			id, err := crypto.EphIDFromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
			}
			h.EphID = id
		case 2:
			h.Timestamp = time.UnixMilli(int64(x)).UTC()
		case 3:
			h.RSSI = int(protowire.DecodeZigZag(x))
		case 4:
			tx := int(protowire.DecodeZigZag(x))
			h.TxPower = &tx
		}
		return nil
	})
	return h, err
}

// 1: date (days since epoch), 2: ephId bytes, 3: window count,
// 4: attenuation (fixed64 float bits), 5: known case id
func marshalContact(c store.Contact) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.Date)))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, c.EphID[:])
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.WindowCount))
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.Attenuation))
	if c.CaseID != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.CaseID))
	}
	return b
}

func unmarshalContact(b []byte) (store.Contact, error) {
	var c store.Contact
	err := fields(b, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case 1:
			c.Date = day.Day(protowire.DecodeZigZag(x))
		case 2:
			id, err := crypto.EphIDFromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
			}
			c.EphID = id
		case 3:
			c.WindowCount = int(x)
		case 4:
			c.Attenuation = math.Float64frombits(x)
		case 5:
			c.CaseID = int64(x)
		}
		return nil
	})
	return c, err
}

// fields calls fn for every field of a message. Varint and fixed64 values are
// passed in x, length-delimited values in v.
func fields(b []byte, fn func(num protowire.Number, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v, x); err != nil {
			return err
		}
	}
	return nil
}
