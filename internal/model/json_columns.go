package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Headers is a header map persisted as a JSON column.
type Headers map[string]string

func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return nil, nil
	}
	return jsonText(h)
}

func (h *Headers) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		*h = nil
		return err
	}
	return json.Unmarshal(raw, h)
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Patterns is the subscribed event pattern set persisted as a JSON array.
type Patterns []string

func (p Patterns) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	return jsonText(p)
}

func (p *Patterns) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		*p = nil
		return err
	}
	return json.Unmarshal(raw, p)
}

func (p Patterns) Contains(v string) bool {
	for _, s := range p {
		if s == v {
			return true
		}
	}
	return false
}

// jsonText encodes v as a string: MySQL rejects binary-charset input for
// JSON columns.
func jsonText(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
