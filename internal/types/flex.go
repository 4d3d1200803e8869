package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// The game API is loosely typed: identifiers and enums arrive as strings or
// numbers, booleans as true/false or 0/1, and timestamps as ISO strings, epoch
// seconds, or null. The Flex types normalize those shapes at decode time.

var jsonNull = []byte("null")

// FlexString decodes a JSON string, number, or boolean into its string form.
// null decodes to the empty string.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, jsonNull) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	switch {
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*s = FlexString(data)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: unsupported value %s", data)
	}
	*s = FlexString(n.String())
	return nil
}

func (s FlexString) String() string { return string(s) }

// FlexBool decodes true/false, 0/1, or "true"/"false"/"0"/"1". null is false.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, jsonNull) {
		*b = false
		return nil
	}
	raw := string(bytes.Trim(data, `"`))
	if raw == "" {
		*b = false
		return nil
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		*b = FlexBool(v)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("flex bool: unsupported value %s", data)
	}
	*b = f != 0
	return nil
}

// GameTime is an optional instant. A zero GameTime means the field was null,
// empty, or zero in the payload and is stored as NULL.
type GameTime struct {
	time.Time
}

func (t *GameTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, jsonNull) {
		t.Time = time.Time{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return t.parseString(s)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("game time: unsupported value %s", data)
	}
	return t.parseEpoch(n.String())
}

func (t *GameTime) parseString(s string) error {
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return t.parseEpoch(s)
}

// parseEpoch accepts seconds or milliseconds since the Unix epoch.
func (t *GameTime) parseEpoch(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("game time: cannot parse %q", s)
	}
	if f <= 0 {
		t.Time = time.Time{}
		return nil
	}
	secs := int64(f)
	if secs > 1e11 {
		t.Time = time.UnixMilli(secs).UTC()
		return nil
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

func (t GameTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return jsonNull, nil
	}
	return json.Marshal(t.Time)
}

// Ptr returns nil for a zero GameTime so it binds as SQL NULL.
func (t GameTime) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t.Time
	return &tt
}
