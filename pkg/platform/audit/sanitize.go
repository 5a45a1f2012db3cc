package audit

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Sanitization bounds. Payloads stored with an activity entry are bounded in
// depth, width, and string length regardless of what callers hand in.
const (
	MaxDepth      = 4
	MaxStringLen  = 1200
	MaxArrayItems = 50
	MaxObjectKeys = 100

	TruncatedMarker = "[TRUNCATED]"
	RedactedMarker  = "[REDACTED]"

	omittedKeysField = "_omitted"
)

// maxSafeInteger is the largest integer JSON consumers can represent exactly
// as a float64. Anything bigger is stored as a decimal string.
const maxSafeInteger = 1 << 53

// sensitiveKeyPattern matches key names whose values must never reach the
// activity log, wherever they appear in a payload.
var sensitiveKeyPattern = regexp.MustCompile(
	`(?i)(password|passwd|token|secret|authorization|cookie|api[_\- ]?key|private[_\- ]?key|captcha|recaptcha|turnstile)`)

// arrayMarkerPattern recognizes the trailing element a previous sanitization
// pass appended to an over-long array, so re-sanitizing is a no-op.
var arrayMarkerPattern = regexp.MustCompile(`^\[\+\d+ more items\]$`)

// Sanitize converts arbitrary structured data into a bounded, JSON-safe Value.
// The second return is false when the input is absent (nil), in which case the
// field is omitted from the persisted entry rather than stored as null.
//
// Sanitize never panics. Cyclic structures are handled by the depth cap: any
// subtree at MaxDepth is replaced with the truncation marker before a cycle
// can recurse.
func Sanitize(input any) (Value, bool) {
	if input == nil {
		return nil, false
	}
	return sanitizeValue(reflect.ValueOf(input), 0), true
}

// SanitizeString applies the string length bound on its own, for entry fields
// that are plain strings rather than structured payloads.
func SanitizeString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}

func sanitizeValue(v reflect.Value, depth int) Value {
	if depth >= MaxDepth {
		return TruncatedMarker
	}
	if !v.IsValid() {
		return nil
	}

	// Unwrap interfaces and pointers first so normalization sees concrete types.
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	if normalized, ok := normalizeExotic(v); ok {
		return sanitizeScalar(normalized)
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return SanitizeString(v.String(), MaxStringLen)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := v.Int()
		if n > maxSafeInteger || n < -maxSafeInteger {
			return strconv.FormatInt(n, 10)
		}
		return float64(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := v.Uint()
		if n > maxSafeInteger {
			return strconv.FormatUint(n, 10)
		}
		return float64(n)
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprintf("%v", f)
		}
		return f
	case reflect.Slice, reflect.Array:
		return sanitizeArray(v, depth)
	case reflect.Map:
		return sanitizeMap(v, depth)
	case reflect.Struct:
		return sanitizeStruct(v, depth)
	default:
		// Channels, funcs, and anything else non-representable become their
		// string rendering rather than an error.
		return SanitizeString(fmt.Sprintf("%v", v), MaxStringLen)
	}
}

// normalizeExotic converts domain-specific wrapper types to JSON-safe
// equivalents: timestamps to ISO-8601, arbitrary-precision numbers to decimal
// strings.
func normalizeExotic(v reflect.Value) (string, bool) {
	if !v.CanInterface() {
		return "", false
	}
	switch x := v.Interface().(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	case time.Duration:
		return x.String(), true
	case json.Number:
		return x.String(), true
	case big.Int:
		return x.String(), true
	case big.Float:
		return x.Text('f', -1), true
	case big.Rat:
		return x.FloatString(12), true
	case fmt.Stringer:
		return x.String(), true
	}
	return "", false
}

func sanitizeScalar(s string) Value {
	return SanitizeString(s, MaxStringLen)
}

func sanitizeArray(v reflect.Value, depth int) Value {
	n := v.Len()

	// A slice already carrying a truncation marker from a previous pass keeps
	// it instead of being truncated again.
	if n == MaxArrayItems+1 && isArrayMarker(v.Index(n-1)) {
		out := make(Array, 0, n)
		for i := 0; i < MaxArrayItems; i++ {
			out = append(out, sanitizeValue(v.Index(i), depth+1))
		}
		return append(out, marker(v.Index(n-1)))
	}

	keep := n
	if keep > MaxArrayItems {
		keep = MaxArrayItems
	}
	out := make(Array, 0, keep+1)
	for i := 0; i < keep; i++ {
		out = append(out, sanitizeValue(v.Index(i), depth+1))
	}
	if n > MaxArrayItems {
		out = append(out, fmt.Sprintf("[+%d more items]", n-MaxArrayItems))
	}
	return out
}

func isArrayMarker(v reflect.Value) bool {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	return v.Kind() == reflect.String && arrayMarkerPattern.MatchString(v.String())
}

func marker(v reflect.Value) string {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v.String()
}

func sanitizeMap(v reflect.Value, depth int) Value {
	keys := make([]string, 0, v.Len())
	byKey := make(map[string]reflect.Value, v.Len())
	for _, k := range v.MapKeys() {
		ks := mapKeyString(k)
		keys = append(keys, ks)
		byKey[ks] = v.MapIndex(k)
	}
	// Go map iteration order is random; sort for deterministic truncation.
	sort.Strings(keys)
	return sanitizeEntries(keys, func(k string) reflect.Value { return byKey[k] }, depth)
}

func sanitizeStruct(v reflect.Value, depth int) Value {
	// An already-sanitized Object re-enters as its own entries so a second
	// pass is a no-op rather than a re-wrap.
	if obj, ok := v.Interface().(Object); ok {
		return resanitizeObject(&obj, depth)
	}

	t := v.Type()
	keys := make([]string, 0, t.NumField())
	fields := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if comma := strings.IndexByte(tag, ','); comma >= 0 {
				tag = tag[:comma]
			}
			if tag != "" {
				name = tag
			}
		}
		keys = append(keys, name)
		fields[name] = v.Field(i)
	}
	return sanitizeEntries(keys, func(k string) reflect.Value { return fields[k] }, depth)
}

func resanitizeObject(obj *Object, depth int) Value {
	out := NewObject()
	kept := 0
	for _, k := range obj.Keys() {
		val, _ := obj.Get(k)
		// The omitted-keys marker from a previous pass never counts toward
		// the key budget, keeping sanitization idempotent.
		if k == omittedKeysField {
			out.Set(k, sanitizeValue(reflect.ValueOf(val), depth+1))
			continue
		}
		if kept >= MaxObjectKeys {
			out.Set(omittedKeysField, fmt.Sprintf("[+%d more keys]", countRegular(obj.Keys())-MaxObjectKeys))
			break
		}
		if sensitiveKeyPattern.MatchString(k) {
			out.Set(k, RedactedMarker)
		} else {
			out.Set(k, sanitizeValue(reflect.ValueOf(val), depth+1))
		}
		kept++
	}
	return out
}

func sanitizeEntries(keys []string, value func(string) reflect.Value, depth int) Value {
	out := NewObject()
	kept := 0
	for _, k := range keys {
		if k == omittedKeysField {
			out.Set(k, sanitizeValue(value(k), depth+1))
			continue
		}
		if kept >= MaxObjectKeys {
			out.Set(omittedKeysField, fmt.Sprintf("[+%d more keys]", countRegular(keys)-MaxObjectKeys))
			break
		}
		key := SanitizeString(k, MaxStringLen)
		if sensitiveKeyPattern.MatchString(k) {
			out.Set(key, RedactedMarker)
		} else {
			out.Set(key, sanitizeValue(value(k), depth+1))
		}
		kept++
	}
	return out
}

func countRegular(keys []string) int {
	n := 0
	for _, k := range keys {
		if k != omittedKeysField {
			n++
		}
	}
	return n
}

func mapKeyString(k reflect.Value) string {
	for k.Kind() == reflect.Interface || k.Kind() == reflect.Pointer {
		if k.IsNil() {
			return "<nil>"
		}
		k = k.Elem()
	}
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprintf("%v", k.Interface())
}
