package models

import "encoding/json"

// EncodeStrings renders a string slice for a json column. Nil and empty
// slices both encode as "[]".
func EncodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeStrings parses a json column written by EncodeStrings. Malformed or
// empty input yields nil.
func DecodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
