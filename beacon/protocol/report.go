package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// GaenKeySize is the size of a rotating temporary exposure key.
	GaenKeySize = 16
	// GaenKeysPerReport is the number of keys every rotating-key report carries.
	GaenKeysPerReport = 30
	// DefaultRollingPeriod is the number of 10-minute intervals a key covers.
	DefaultRollingPeriod = 144
)

var ErrInvalidReport = errors.New("protocol: invalid report")

// Bool01 is a boolean carried as 0 or 1 on the wire.
type Bool01 int

func Flag(b bool) Bool01 {
	if b {
		return 1
	}
	return 0
}

func (b Bool01) Bool() bool { return b != 0 }

// AuthData carries the authorization code of a legacy report.
type AuthData struct {
	Value string `json:"value"`
}

// ExposeeRequest is the legacy single-key report posted to /exposed.
type ExposeeRequest struct {
	Key string `json:"key"`
	// KeyDate is the start of the onset day in milliseconds since the epoch.
	KeyDate  int64     `json:"keyDate"`
	Fake     Bool01    `json:"fake"`
	AuthData *AuthData `json:"authData,omitempty"`
}

// GaenKey is one rotating temporary exposure key.
type GaenKey struct {
	KeyData               string `json:"keyData"`
	RollingStartNumber    int64  `json:"rollingStartNumber"`
	RollingPeriod         int    `json:"rollingPeriod"`
	TransmissionRiskLevel int    `json:"transmissionRiskLevel"`
	Fake                  Bool01 `json:"fake"`
}

// NewGaenKey encodes raw key material.
func NewGaenKey(key []byte, rollingStartNumber int64, fake bool) GaenKey {
	return GaenKey{
		KeyData:            base64.StdEncoding.EncodeToString(key),
		RollingStartNumber: rollingStartNumber,
		RollingPeriod:      DefaultRollingPeriod,
		Fake:               Flag(fake),
	}
}

// GaenRequest is the rotating-key report posted to /gaen/exposed.
type GaenRequest struct {
	GaenKeys []GaenKey `json:"gaenKeys"`
	// DelayedKeyDate is the rolling start number of the key uploaded the next day.
	DelayedKeyDate int64  `json:"delayedKeyDate"`
	Fake           Bool01 `json:"fake"`
}

// GaenSecondDay is the delayed key posted to /gaen/exposednextday.
type GaenSecondDay struct {
	DelayedKey GaenKey `json:"delayedKey"`
	Fake       Bool01  `json:"fake"`
}

// Validate checks the shape of a legacy report.
func (r ExposeeRequest) Validate() error {
	raw, err := base64.StdEncoding.DecodeString(r.Key)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("%w: key must be 32 base64 bytes", ErrInvalidReport)
	}
	if r.KeyDate < 0 || r.KeyDate%(24*60*60*1000) != 0 {
		return fmt.Errorf("%w: keyDate %d is not a day start", ErrInvalidReport, r.KeyDate)
	}
	return nil
}

// Validate checks the shape of a rotating-key key.
func (k GaenKey) Validate() error {
	raw, err := base64.StdEncoding.DecodeString(k.KeyData)
	if err != nil || len(raw) != GaenKeySize {
		return fmt.Errorf("%w: keyData must be %d base64 bytes", ErrInvalidReport, GaenKeySize)
	}
	if k.RollingPeriod <= 0 || k.RollingPeriod > DefaultRollingPeriod {
		return fmt.Errorf("%w: rollingPeriod %d", ErrInvalidReport, k.RollingPeriod)
	}
	return nil
}

// Validate checks the shape of a rotating-key report.
func (r GaenRequest) Validate() error {
	if len(r.GaenKeys) != GaenKeysPerReport {
		return fmt.Errorf("%w: %d keys, want %d", ErrInvalidReport, len(r.GaenKeys), GaenKeysPerReport)
	}
	for _, k := range r.GaenKeys {
		if err := k.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Decode unmarshals a JSON request body and validates it.
func Decode[T interface{ Validate() error }](b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}

// Validate checks the shape of a delayed key upload.
func (r GaenSecondDay) Validate() error { return r.DelayedKey.Validate() }
