package market

import (
	"encoding/json"
	"math"
	"time"
)

// Kind distinguishes price updates from keepalive events.
type Kind int

const (
	KindPrice Kind = iota
	KindHeartbeat
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	if k == KindHeartbeat {
		return "heartbeat"
	}
	return "price"
}

// PriceEvent is an immutable price update or heartbeat.
// A heartbeat carries no symbol and no price.
type PriceEvent struct {
	Kind            Kind
	Symbol          string
	Price           float64
	PercentChange   *float64
	TimestampMillis int64
}

// NewPrice builds a price event stamped with now.
func NewPrice(symbol string, price float64, percentChange *float64, now time.Time) PriceEvent {
	return PriceEvent{
		Kind:            KindPrice,
		Symbol:          symbol,
		Price:           price,
		PercentChange:   percentChange,
		TimestampMillis: now.UnixMilli(),
	}
}

// Heartbeat builds a keepalive event stamped with now.
func Heartbeat(now time.Time) PriceEvent {
	return PriceEvent{Kind: KindHeartbeat, TimestampMillis: now.UnixMilli()}
}

// Valid reports whether the event satisfies the invariants of its kind.
func (e PriceEvent) Valid() bool {
	switch e.Kind {
	case KindHeartbeat:
		return e.Symbol == "" && e.Price == 0
	case KindPrice:
		return e.Symbol != "" && isFinite(e.Price)
	}
	return false
}

// WithPercentChange returns a copy of e carrying pct.
func (e PriceEvent) WithPercentChange(pct float64) PriceEvent {
	e.PercentChange = &pct
	return e
}

// wireEvent is the JSON shape sent to browser clients.
type wireEvent struct {
	Type          string   `json:"type"`
	Symbol        string   `json:"symbol"`
	Price         float64  `json:"price"`
	PercentChange *float64 `json:"percentChange,omitempty"`
	Timestamp     int64    `json:"ts"`
}

// MarshalJSON encodes the event in its downstream wire format.
func (e PriceEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:          e.Kind.String(),
		Symbol:        e.Symbol,
		Price:         e.Price,
		PercentChange: e.PercentChange,
		Timestamp:     e.TimestampMillis,
	})
}

// UnmarshalJSON decodes the downstream wire format.
func (e *PriceEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind := KindPrice
	if w.Type == "heartbeat" {
		kind = KindHeartbeat
	}
	*e = PriceEvent{
		Kind:            kind,
		Symbol:          w.Symbol,
		Price:           w.Price,
		PercentChange:   w.PercentChange,
		TimestampMillis: w.Timestamp,
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
