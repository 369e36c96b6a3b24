package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/linluma/tickerfeed/proto"
)

// Display writes price updates in the configured format
type Display struct {
	out    io.Writer
	format string
	last   map[string]float64
}

// NewDisplay creates a display writing json or table rows to out
func NewDisplay(out io.Writer, format string) *Display {
	return &Display{
		out:    out,
		format: format,
		last:   make(map[string]float64),
	}
}

type jsonUpdate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Show formats and displays an update
func (d *Display) Show(u proto.PriceUpdate) error {
	defer func() { d.last[u.Symbol] = u.Price }()

	if d.format == "json" {
		return json.NewEncoder(d.out).Encode(jsonUpdate{
			Symbol:    u.Symbol,
			Price:     u.Price,
			Timestamp: u.Timestamp,
		})
	}

	// Choose emoji based on the move since the previous update
	emoji := "⚪"
	if prev, ok := d.last[u.Symbol]; ok {
		switch {
		case u.Price > prev:
			emoji = "🟢"
		case u.Price < prev:
			emoji = "🔴"
		}
	}

	_, err := fmt.Fprintf(d.out, "%s %-6s | %s | %12.4f\n",
		emoji, strings.ToUpper(u.Symbol), u.Time().UTC().Format(time.TimeOnly), u.Price)
	return err
}
