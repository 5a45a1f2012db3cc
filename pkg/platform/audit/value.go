package audit

import (
	"bytes"
	"encoding/json"
)

// Value is a JSON-safe value produced by the sanitizer: nil, bool, float64,
// string, Array, or *Object. Keeping the vocabulary closed makes the
// sanitizer's recursion total — there is no input shape it cannot bound.
type Value any

// Array is an ordered list of sanitized values.
type Array []Value

// Object is an ordered string-keyed map. Insertion order is preserved so
// key-count truncation is deterministic and serialized output is stable.
type Object struct {
	keys   []string
	values map[string]Value
}

// NewObject creates an empty ordered object.
func NewObject() *Object {
	return &Object{values: make(map[string]Value)}
}

// Set adds or replaces a key. New keys append to the insertion order.
func (o *Object) Set(key string, v Value) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// Get returns the value for key and whether it is present.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Len returns the number of keys.
func (o *Object) Len() int { return len(o.keys) }

// Keys returns the keys in insertion order. The returned slice is shared;
// callers must not mutate it.
func (o *Object) Keys() []string { return o.keys }

// MarshalJSON serializes the object preserving insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object preserving key order.
func (o *Object) UnmarshalJSON(data []byte) error {
	o.keys = nil
	o.values = make(map[string]Value)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	// Opening brace.
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		v, err := decodeValue(dec)
		if err != nil {
			return err
		}
		o.Set(key, v)
	}
	// Closing brace.
	_, err := dec.Token()
	return err
}

// DecodeValue parses raw JSON into the closed Value vocabulary.
func DecodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return decodeValue(dec)
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := Array{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, nil
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f, nil
		}
		return t.String(), nil
	case string:
		return t, nil
	case bool:
		return t, nil
	default:
		return nil, nil
	}
}
