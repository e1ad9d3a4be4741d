package exposure

import (
	"math"
	"time"

	"github.com/TheusHen/beacon/beacon/store"
)

// Policy decides whether the matched contacts of one day amount to an exposure.
//
// Each contact contributes WindowCount*Window of proximity to the bucket of its
// attenuation: below AttenuationLow is low, below AttenuationMedium is medium,
// everything else is high. A day is exposed when
// lowMinutes*FactorLow + mediumMinutes*FactorMedium >= MinDuration in minutes.
type Policy struct {
	AttenuationLow    float64
	AttenuationMedium float64
	FactorLow         float64
	FactorMedium      float64
	MinDuration       time.Duration
	Window            time.Duration
	// DaysToConsider bounds how far back a contact date is still evaluated.
	DaysToConsider int
}

// DefaultPolicy returns the reference exposure policy.
func DefaultPolicy() Policy {
	return Policy{
		AttenuationLow:    55,
		AttenuationMedium: 63,
		FactorLow:         1.0,
		FactorMedium:      0.5,
		MinDuration:       15 * time.Minute,
		Window:            time.Minute,
		DaysToConsider:    10,
	}
}

// Evaluation is the outcome of Policy.Evaluate.
type Evaluation struct {
	Low    time.Duration
	Medium time.Duration
	High   time.Duration
	// Minutes is the weighted sum compared against MinDuration.
	Minutes float64
	Exposed bool
}

// Evaluate applies the policy to the matched contacts of one day.
func (p Policy) Evaluate(contacts []store.Contact) Evaluation {
	var ev Evaluation
	for _, c := range contacts {
		d := time.Duration(c.WindowCount) * p.Window
		switch {
		case c.Attenuation < p.AttenuationLow:
			ev.Low += d
		case c.Attenuation < p.AttenuationMedium:
			ev.Medium += d
		default:
			ev.High += d
		}
	}
	ev.Minutes = ceilMinutes(ev.Low)*p.FactorLow + ceilMinutes(ev.Medium)*p.FactorMedium
	ev.Exposed = ev.Minutes > 0 && ev.Minutes >= p.MinDuration.Minutes()
	return ev
}

func ceilMinutes(d time.Duration) float64 {
	return math.Ceil(d.Minutes())
}
