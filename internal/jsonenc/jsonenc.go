// Package jsonenc is the thin serialization boundary named in spec §1: its
// only contract is "serialize value to UTF-8 bytes". Kept as its own package
// so callers depend on a function value, not encoding/json directly.
package jsonenc

import "encoding/json"

// Serialize renders v as compact JSON.
func Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}
