package render

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// ToBytes normalizes a remote-read byte payload into one canonical buffer.
//
// Workflow step results round-trip through JSON, which turns a []byte into a
// base64 string and can leave generically-decoded payloads as []any numeric
// lists or wrapped {"data": ...} descriptors. Every call site that receives
// artifact bytes across a memoization or transport boundary goes through
// here; an unrecognized shape is a hard error, never silently wrong bytes.
func ToBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		if decoded, err := base64.StdEncoding.DecodeString(x); err == nil {
			return decoded, nil
		}
		if utf8.ValidString(x) {
			return []byte(x), nil
		}
		return nil, fmt.Errorf("render: string payload is neither base64 nor valid text")
	case []any:
		out := make([]byte, len(x))
		for i, el := range x {
			n, ok := el.(float64)
			if !ok || n < 0 || n > 255 || n != float64(int(n)) {
				return nil, fmt.Errorf("render: array payload element %d is not a byte value", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	case map[string]any:
		data, ok := x["data"]
		if !ok {
			return nil, fmt.Errorf("render: wrapped payload has no data field")
		}
		return ToBytes(data)
	case nil:
		return nil, fmt.Errorf("render: nil payload")
	default:
		return nil, fmt.Errorf("render: unsupported payload shape %T", v)
	}
}
