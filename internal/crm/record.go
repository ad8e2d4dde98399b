package crm

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Record is a deal or contact as returned by crm.*.get. Values arrive as
// strings, numbers, nulls or lists depending on the field type.
type Record map[string]any

func (r Record) ID() int64 {
	return r.Int64("ID")
}

func (r Record) String(name string) string {
	switch v := r[name].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case []any:
		if len(v) == 0 {
			return ""
		}
		return Record{"v": v[0]}.String("v")
	default:
		return ""
	}
}

// Int64 returns 0 for missing or non-numeric values.
func (r Record) Int64(name string) int64 {
	raw := r.String(name)
	if raw == "" {
		return 0
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f)
	}
	return 0
}

// Decimal parses numeric and money fields. Money custom fields carry a
// currency suffix ("1500|KZT") which is dropped.
func (r Record) Decimal(name string) decimal.Decimal {
	raw := r.String(name)
	if i := strings.IndexByte(raw, '|'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FirstMultiValue reads the first VALUE of a multi-field such as PHONE.
func (r Record) FirstMultiValue(name string) string {
	items, ok := r[name].([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	item, ok := items[0].(map[string]any)
	if !ok {
		return ""
	}
	return Record(item).String("VALUE")
}

// DecodeRecord parses one result entry.
func DecodeRecord(raw json.RawMessage) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}
