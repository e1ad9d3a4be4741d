// Package export writes calibration exports: the raw handshakes and contacts
// of a device, framed, LZ4 compressed and split into Reed-Solomon shards so
// the export survives the loss of some shard files.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/protocol"
	"github.com/TheusHen/beacon/beacon/store"
)

const (
	// Version is the stream format version.
	Version = 1

	ManifestFile = "manifest.json"

	installIDKey = "export/install-id"
)

var (
	ErrUnsupportedVersion = errors.New("export: unsupported stream version")
	ErrTruncatedStream    = errors.New("export: stream ends without END frame")
)

// Snapshot is the content of an export.
type Snapshot struct {
	InstallID  uuid.UUID
	CreatedAt  time.Time
	Handshakes []store.Handshake
	Contacts   []store.Contact
}

// Manifest describes the shard files of an export.
type Manifest struct {
	Version      int       `json:"version"`
	InstallID    string    `json:"installId"`
	CreatedAt    time.Time `json:"createdAt"`
	Handshakes   int       `json:"handshakes"`
	Contacts     int       `json:"contacts"`
	StreamSize   int       `json:"streamSize"`
	PayloadSize  int       `json:"payloadSize"`
	DataShards   int       `json:"dataShards"`
	ParityShards int       `json:"parityShards"`
	// Shards holds the hex SHA-256 of every shard, data shards first.
	Shards []string `json:"shards"`
}

// Options configures Pack.
type Options struct {
	DataShards   int
	ParityShards int
	Level        CompressionLevel
}

func (o Options) withDefaults() Options {
	if o.DataShards <= 0 {
		o.DataShards = 8
	}
	if o.ParityShards <= 0 {
		o.ParityShards = 4
	}
	return o
}

// InstallID returns the random install id stored in kv, creating it on first use.
func InstallID(kv store.KV) (uuid.UUID, error) {
	var s string
	found, err := store.GetJSON(kv, installIDKey, &s)
	if err != nil {
		return uuid.Nil, err
	}
	if found {
		if id, err := uuid.Parse(s); err == nil {
			return id, nil
		}
	}
	id := uuid.New()
	return id, store.PutJSON(kv, installIDKey, id.String())
}

// Collect reads every handshake and contact recorded up to now.
func Collect(ctx context.Context, records store.Records, installID uuid.UUID, now time.Time) (Snapshot, error) {
	snap := Snapshot{InstallID: installID, CreatedAt: now.UTC()}
	err := records.View(ctx, func(tx store.Tx) error {
		var err error
		if snap.Handshakes, err = tx.Handshakes(now.Add(day.Length)); err != nil {
			return err
		}
		snap.Contacts, err = tx.Contacts(day.Day(0), day.Of(now).Next())
		return err
	})
	return snap, err
}

// Encode writes s as a frame stream: HEADER, HANDSHAKE*, CONTACT*, END.
func Encode(w io.Writer, s Snapshot) error {
	hdr := header{Version: Version, InstallID: s.InstallID.String(), CreatedAt: s.CreatedAt.UnixMilli()}
	if err := protocol.WriteFrame(w, protocol.Frame{Type: protocol.MessageTypeHeader, Payload: marshalHeader(hdr)}); err != nil {
		return err
	}
	for _, h := range s.Handshakes {
		if err := protocol.WriteFrame(w, protocol.Frame{Type: protocol.MessageTypeHandshake, Payload: marshalHandshake(h)}); err != nil {
			return err
		}
	}
	for _, c := range s.Contacts {
		if err := protocol.WriteFrame(w, protocol.Frame{Type: protocol.MessageTypeContact, Payload: marshalContact(c)}); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(w, protocol.Frame{Type: protocol.MessageTypeEnd})
}

// Decode reads a frame stream written by Encode.
func Decode(r io.Reader) (Snapshot, error) {
	var s Snapshot
	first, err := protocol.ReadFrame(r)
	if err != nil {
		return s, err
	}
	if first.Type != protocol.MessageTypeHeader {
		return s, fmt.Errorf("%w: stream starts with %s", ErrMalformedRecord, first.Type)
	}
	hdr, err := unmarshalHeader(first.Payload)
	if err != nil {
		return s, err
	}
	if hdr.Version != Version {
		return s, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr.Version)
	}
	if s.InstallID, err = uuid.Parse(hdr.InstallID); err != nil {
		return s, fmt.Errorf("%w: install id: %v", ErrMalformedRecord, err)
	}
	s.CreatedAt = time.UnixMilli(hdr.CreatedAt).UTC()

	for {
		f, err := protocol.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return s, ErrTruncatedStream
		}
		if err != nil {
			return s, err
		}
		switch f.Type {
		case protocol.MessageTypeHandshake:
			h, err := unmarshalHandshake(f.Payload)
			if err != nil {
				return s, err
			}
			s.Handshakes = append(s.Handshakes, h)
		case protocol.MessageTypeContact:
			c, err := unmarshalContact(f.Payload)
			if err != nil {
				return s, err
			}
			s.Contacts = append(s.Contacts, c)
		case protocol.MessageTypeEnd:
			return s, nil
		default:
			return s, fmt.Errorf("%w: unexpected %s frame", ErrMalformedRecord, f.Type)
		}
	}
}

// Pack encodes, compresses and shards s.
func Pack(s Snapshot, opts Options) (Manifest, [][]byte, error) {
	opts = opts.withDefaults()
	var stream bytes.Buffer
	if err := Encode(&stream, s); err != nil {
		return Manifest{}, nil, err
	}
	payload, err := Compress(stream.Bytes(), opts.Level)
	if err != nil {
		return Manifest{}, nil, err
	}
	codec, err := NewCodec(opts.DataShards, opts.ParityShards)
	if err != nil {
		return Manifest{}, nil, err
	}
	shards, err := codec.Encode(payload)
	if err != nil {
		return Manifest{}, nil, err
	}
	m := Manifest{
		Version:      Version,
		InstallID:    s.InstallID.String(),
		CreatedAt:    s.CreatedAt,
		Handshakes:   len(s.Handshakes),
		Contacts:     len(s.Contacts),
		StreamSize:   stream.Len(),
		PayloadSize:  len(payload),
		DataShards:   opts.DataShards,
		ParityShards: opts.ParityShards,
	}
	for _, sh := range shards {
		m.Shards = append(m.Shards, shardHash(sh))
	}
	return m, shards, nil
}

// Unpack rebuilds a snapshot from shards. Missing shards are nil; shards whose
// hash does not match the manifest are treated as missing.
func Unpack(m Manifest, shards [][]byte) (Snapshot, error) {
	if m.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	codec, err := NewCodec(m.DataShards, m.ParityShards)
	if err != nil {
		return Snapshot{}, err
	}
	if len(shards) != codec.TotalShards() || len(m.Shards) != codec.TotalShards() {
		return Snapshot{}, ErrInvalidShards
	}
	work := make([][]byte, len(shards))
	for i, sh := range shards {
		if sh != nil && shardHash(sh) == m.Shards[i] {
			work[i] = sh
		}
	}
	payload, err := codec.Decode(work, m.PayloadSize)
	if err != nil {
		return Snapshot{}, err
	}
	stream, err := Decompress(payload)
	if err != nil {
		return Snapshot{}, err
	}
	return Decode(bytes.NewReader(stream))
}

// Write packs s into dir as manifest.json plus one file per shard.
func Write(dir string, s Snapshot, opts Options) (Manifest, error) {
	m, shards, err := Pack(s, opts)
	if err != nil {
		return Manifest{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Manifest{}, err
	}
	for i, sh := range shards {
		if err := os.WriteFile(filepath.Join(dir, shardFile(i)), sh, 0o600); err != nil {
			return Manifest{}, err
		}
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	return m, os.WriteFile(filepath.Join(dir, ManifestFile), b, 0o600)
}

// Read loads an export from dir, tolerating up to ParityShards missing or
// corrupt shard files.
func Read(dir string) (Snapshot, Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Snapshot{}, Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Snapshot{}, Manifest{}, fmt.Errorf("%w: manifest: %v", ErrMalformedRecord, err)
	}
	shards := make([][]byte, len(m.Shards))
	for i := range shards {
		sh, err := os.ReadFile(filepath.Join(dir, shardFile(i)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, m, err
		}
		shards[i] = sh
	}
	s, err := Unpack(m, shards)
	return s, m, err
}

func shardFile(i int) string { return fmt.Sprintf("shard-%02d.bin", i) }

func shardHash(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
