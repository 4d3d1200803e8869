package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*Headers)(nil)
	_ driver.Valuer = Headers(nil)
)

// Headers is the outbound header set of a job, stored as JSONB.
type Headers map[string]string

// Scan implements sql.Scanner. NULL scans to an empty map.
func (h *Headers) Scan(value interface{}) error {
	if value == nil {
		*h = Headers{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}

	// Stored headers may carry non-string values from older captures.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("jsonb: decoding headers: %w", err)
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*h = out
	return nil
}

// Value implements driver.Valuer. A nil map is stored as an empty object.
func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(h))
}
