package proto

import (
	"time"

	"github.com/linluma/tickerfeed/shared/models"
	"google.golang.org/protobuf/types/known/structpb"
)

// Field names used in PriceService messages
const (
	FieldSymbols   = "symbols"
	FieldSession   = "session"
	FieldSymbol    = "symbol"
	FieldPrice     = "price"
	FieldTimestamp = "timestamp" // epoch ms
)

// PriceUpdate is one message of a Watch stream
type PriceUpdate struct {
	Session   string
	Symbol    string
	Price     float64
	Timestamp int64
}

// Time returns the update timestamp
func (u PriceUpdate) Time() time.Time {
	return time.UnixMilli(u.Timestamp)
}

// NewSymbolList builds {symbols: [...]}, used by Watch requests and
// ActiveSymbols responses.
func NewSymbolList(symbols []string) *structpb.Struct {
	values := make([]*structpb.Value, 0, len(symbols))
	for _, s := range symbols {
		values = append(values, structpb.NewStringValue(s))
	}
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			FieldSymbols: structpb.NewListValue(&structpb.ListValue{Values: values}),
		},
	}
}

// SymbolList reads {symbols: [...]}. Non-string entries are skipped.
func SymbolList(m *structpb.Struct) []string {
	values := m.GetFields()[FieldSymbols].GetListValue().GetValues()
	symbols := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			symbols = append(symbols, s.StringValue)
		}
	}
	return symbols
}

// NewPriceUpdate encodes a price for session
func NewPriceUpdate(session string, p models.Price) *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			FieldSession:   structpb.NewStringValue(session),
			FieldSymbol:    structpb.NewStringValue(p.Symbol),
			FieldPrice:     structpb.NewNumberValue(p.Price),
			FieldTimestamp: structpb.NewNumberValue(float64(p.LastUpdate.UnixMilli())),
		},
	}
}

// ParsePriceUpdate decodes a Watch stream message
func ParsePriceUpdate(m *structpb.Struct) PriceUpdate {
	fields := m.GetFields()
	return PriceUpdate{
		Session:   fields[FieldSession].GetStringValue(),
		Symbol:    fields[FieldSymbol].GetStringValue(),
		Price:     fields[FieldPrice].GetNumberValue(),
		Timestamp: int64(fields[FieldTimestamp].GetNumberValue()),
	}
}
