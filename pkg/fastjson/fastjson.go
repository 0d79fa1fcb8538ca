package fastjson

import (
	"bytes"
	"io"

	gojson "github.com/goccy/go-json"
)

// Marshal serializes v with goccy/go-json, a drop-in replacement for
// encoding/json.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// UnmarshalNumber decodes into v keeping integers distinct from floats:
// numbers without a fraction or exponent become int64 when they fit.
func UnmarshalNumber(data []byte, v *interface{}) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = normalizeNumbers(raw)
	return nil
}

func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case gojson.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []interface{}:
		for i := range val {
			val[i] = normalizeNumbers(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = normalizeNumbers(val[k])
		}
		return val
	default:
		return v
	}
}

func NewEncoder(w io.Writer) *gojson.Encoder {
	return gojson.NewEncoder(w)
}

func NewDecoder(r io.Reader) *gojson.Decoder {
	return gojson.NewDecoder(r)
}

func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}
