package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Observation is a single append-only price data point from one source.
type Observation struct {
	SourceID   string    `json:"source_id"`
	JobID      string    `json:"job_id,omitempty"`
	CoinKey    CoinKey   `json:"coin_key"`
	Price      Money     `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// Validate checks the observation invariants: a source, a key, a positive
// currency-tagged price and a timestamp.
func (o Observation) Validate() error {
	if o.SourceID == "" {
		return eris.New("observation: source_id is required")
	}
	if o.CoinKey == "" {
		return eris.Wrap(ErrInvalidCoinKey, "observation: coin_key is required")
	}
	if o.ObservedAt.IsZero() {
		return eris.New("observation: observed_at is required")
	}
	if err := o.Price.Validate(); err != nil {
		return eris.Wrap(err, "observation")
	}
	return nil
}
