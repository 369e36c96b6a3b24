package models

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MessageType identifies the kind of inbound feed message
type MessageType string

// Supported message types
const (
	MessageTrade MessageType = "T"
	MessageQuote MessageType = "Q"
	MessageBreak MessageType = "B"
)

// NormalizeSymbol returns the canonical form of a ticker symbol.
// All registry keys and wire frames use this form.
func NormalizeSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Message represents a single inbound message from the real-time feed
type Message struct {
	Symbol    string      `json:"s"`
	Timestamp int64       `json:"t"` // epoch ms
	Type      MessageType `json:"type"`
	AskPrice  *float64    `json:"ap,omitempty"`
	AskSize   *float64    `json:"as,omitempty"`
	BidPrice  *float64    `json:"bp,omitempty"`
	BidSize   *float64    `json:"bs,omitempty"`
	LastPrice *float64    `json:"lp,omitempty"`
	LastSize  *float64    `json:"ls,omitempty"`
}

// Time returns the message timestamp
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// DisplayPrice returns the last trade price, falling back to the ask price.
func (m Message) DisplayPrice() (float64, bool) {
	if m.LastPrice != nil {
		return *m.LastPrice, true
	}
	if m.AskPrice != nil {
		return *m.AskPrice, true
	}
	return 0, false
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler
func (m Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("symbol", m.Symbol).
		Str("type", string(m.Type)).
		Int64("ts", m.Timestamp)
	if m.LastPrice != nil {
		e.Float64("lp", *m.LastPrice)
	}
	if m.AskPrice != nil {
		e.Float64("ap", *m.AskPrice)
	}
	if m.BidPrice != nil {
		e.Float64("bp", *m.BidPrice)
	}
}

// Price is the minimal live price view handed to consumers
type Price struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	LastUpdate time.Time `json:"last_update"`
}
