package export

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost   = errors.New("export: too many shards lost, cannot recover")
	ErrInvalidShards = errors.New("export: invalid data/parity configuration")
)

// Codec splits a payload into Reed-Solomon data and parity shards. Any
// ParityShards shards may be lost.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

func NewCodec(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, ErrInvalidShards
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Join(ErrInvalidShards, err)
	}
	return &Codec{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

func (c *Codec) DataShards() int   { return c.dataShards }
func (c *Codec) ParityShards() int { return c.parityShards }
func (c *Codec) TotalShards() int  { return c.dataShards + c.parityShards }

// Encode splits data, zero padding the last data shard, and computes parity.
func (c *Codec) Encode(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		// reedsolomon refuses empty input.
		data = []byte{0}
	}
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Decode rebuilds missing (nil) data shards and joins the first size bytes.
func (c *Codec) Decode(shards [][]byte, size int) ([]byte, error) {
	if len(shards) != c.TotalShards() {
		return nil, ErrInvalidShards
	}
	if err := c.enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, ErrTooManyLost
		}
		return nil, err
	}
	out := make([]byte, 0, size)
	for i := 0; i < c.dataShards && len(out) < size; i++ {
		n := min(size-len(out), len(shards[i]))
		out = append(out, shards[i][:n]...)
	}
	if len(out) != size {
		return nil, ErrTooManyLost
	}
	return out, nil
}
