package market

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// FrameType identifies the declared type of an upstream frame.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameTrade
	FramePing
)

// Tick is one validated trade record from a trade frame.
type Tick struct {
	Symbol        string
	Price         float64
	PercentChange *float64
}

// Frame is the typed form of one upstream text frame.
type Frame struct {
	Type  FrameType
	Ticks []Tick
}

// rawFrame mirrors the upstream envelope: {"type":"trade","data":[...]}.
type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseFrame decodes raw into a Frame. It never fails: unparsable input
// and unrecognised types come back as FrameUnknown, and trade records
// missing a symbol or a finite numeric price are skipped.
func ParseFrame(raw []byte) Frame {
	var env rawFrame
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{Type: FrameUnknown}
	}

	switch env.Type {
	case "ping":
		return Frame{Type: FramePing}
	case "trade":
		return Frame{Type: FrameTrade, Ticks: parseTicks(env.Data)}
	default:
		return Frame{Type: FrameUnknown}
	}
}

// ParseEvents turns a raw frame into price events stamped with now, in
// the order the records appear.
func ParseEvents(raw []byte, now time.Time) []PriceEvent {
	return ParseFrame(raw).Events(now)
}

// Events converts the ticks of a trade frame into price events stamped
// with now. Other frame types have no events.
func (f Frame) Events(now time.Time) []PriceEvent {
	if f.Type != FrameTrade || len(f.Ticks) == 0 {
		return nil
	}
	events := make([]PriceEvent, 0, len(f.Ticks))
	for _, t := range f.Ticks {
		events = append(events, NewPrice(t.Symbol, t.Price, t.PercentChange, now))
	}
	return events
}

func parseTicks(data json.RawMessage) []Tick {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil
	}

	ticks := make([]Tick, 0, len(records))
	for _, rec := range records {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rec, &fields); err != nil || fields == nil {
			continue
		}

		symbol, ok := stringField(fields, "s")
		if !ok || symbol == "" {
			continue
		}
		price, ok := numberField(fields, "p")
		if !ok {
			continue
		}

		tick := Tick{Symbol: symbol, Price: price}
		if pct, ok := numberField(fields, "dp"); ok {
			tick.PercentChange = &pct
		}
		ticks = append(ticks, tick)
	}
	return ticks
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// numberField accepts only JSON numbers that fit a finite float64.
func numberField(fields map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !(raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || !isFinite(f) {
		return 0, false
	}
	return f, true
}
