package kv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Encode serializes a document to its canonical text form.
//
// The encoding is deterministic: map keys are written in sorted order at every
// nesting level, so structurally equal documents are byte-identical. HTML
// escaping is disabled and non-ASCII text is stored verbatim. Floats always
// carry a fractional or exponent part, so the integer/float distinction
// survives a round trip through Decode.
func Encode(v any) (string, error) {
	var buf bytes.Buffer
	if err := appendValue(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Decode is the inverse of Encode. Text that is not a valid serialization
// fails with a DecodeError.
func Decode(text string) (any, error) {
	v, err := decodeJSON(text)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return v, nil
}

func appendValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return appendString(buf, val)
	case int:
		buf.Write(strconv.AppendInt(nil, int64(val), 10))
	case int8:
		buf.Write(strconv.AppendInt(nil, int64(val), 10))
	case int16:
		buf.Write(strconv.AppendInt(nil, int64(val), 10))
	case int32:
		buf.Write(strconv.AppendInt(nil, int64(val), 10))
	case int64:
		buf.Write(strconv.AppendInt(nil, val, 10))
	case uint:
		buf.Write(strconv.AppendUint(nil, uint64(val), 10))
	case uint8:
		buf.Write(strconv.AppendUint(nil, uint64(val), 10))
	case uint16:
		buf.Write(strconv.AppendUint(nil, uint64(val), 10))
	case uint32:
		buf.Write(strconv.AppendUint(nil, uint64(val), 10))
	case uint64:
		buf.Write(strconv.AppendUint(nil, val, 10))
	case float32:
		return appendFloat(buf, float64(val))
	case float64:
		return appendFloat(buf, val)
	case json.Number:
		// Validate the literal before writing it through untouched.
		if _, err := val.Float64(); err != nil {
			return fmt.Errorf("invalid number literal %q", string(val))
		}
		buf.WriteString(string(val))
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendValue(buf, elem); err != nil {
				return fmt.Errorf("sequence[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		buf.WriteByte('{')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendString(buf, k); err != nil {
				return fmt.Errorf("map key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := appendValue(buf, val[k]); err != nil {
				return fmt.Errorf("map[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		// Anything else (structs, typed slices and maps) goes through the
		// stock marshaler and is re-encoded canonically.
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("unsupported value type %T: %w", v, err)
		}
		plain, err := decodeJSON(string(data))
		if err != nil {
			return fmt.Errorf("unsupported value type %T: %w", v, err)
		}
		return appendValue(buf, plain)
	}
	return nil
}

// appendString writes a JSON string with HTML escaping disabled, so <, >, &
// and full-width text are preserved rather than narrowed to \u escapes.
func appendString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// The encoder appends a trailing newline.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func appendFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("cannot encode non-finite number %v", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		// Keep integral floats distinguishable from integers on disk.
		s += ".0"
	}
	buf.WriteString(s)
	return nil
}

// decodeJSON parses one document and rejects trailing data. Numbers are read
// through json.Number and narrowed: an integral literal becomes int64,
// everything else float64.
func decodeJSON(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after document")
	}
	return narrowNumbers(v), nil
}

func narrowNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if !strings.ContainsAny(string(val), ".eE") {
			if n, err := val.Int64(); err == nil {
				return n
			}
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return string(val)
	case []any:
		for i := range val {
			val[i] = narrowNumbers(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = narrowNumbers(val[k])
		}
		return val
	default:
		return v
	}
}

// renderDump produces the deterministic textual form of a snapshot: "{}" when
// empty, a compact one-liner for a single entry, and a 4-space indented,
// key-sorted rendering otherwise.
func renderDump(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	compact, err := Encode(m)
	if err != nil {
		return "", err
	}
	if len(m) == 1 {
		return compact, nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(compact), "", "    "); err != nil {
		return "", err
	}
	return out.String(), nil
}
