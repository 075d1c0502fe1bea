package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"eebus/internal/errkind"
)

// Serialize produces a canonical JSON-UTF8 byte string with no superfluous
// whitespace. A Sequence's field order is preserved (array-of-single-key-
// objects); absent optional fields are simply omitted by the caller before
// calling Serialize — there is no separate "optional" wrapper type.
func Serialize(n Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, n Node) error {
	switch v := n.(type) {
	case nil, Null:
		buf.WriteString("null")
		return nil
	case String:
		b, err := json.Marshal(string(v))
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case Int:
		fmt.Fprintf(buf, "%d", int64(v))
		return nil
	case Bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case HexBytes:
		b, err := json.Marshal(hex.EncodeToString(v))
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case Sequence:
		buf.WriteByte('[')
		for i, f := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('{')
			key, err := json.Marshal(f.Key)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := encode(buf, f.Value); err != nil {
				return fmt.Errorf("field %q: %w", f.Key, err)
			}
			buf.WriteByte('}')
		}
		buf.WriteByte(']')
		return nil
	case Choice:
		buf.WriteByte('{')
		key, err := json.Marshal(v.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := encode(buf, v.Value); err != nil {
			return fmt.Errorf("choice %q: %w", v.Key, err)
		}
		buf.WriteByte('}')
		return nil
	case Array:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return fmt.Errorf("codec: unknown node type %T", n)
	}
}

// Deserialize consumes exactly one value from data and returns its generic
// tree representation: a Sequence for a JSON array of single-key objects,
// an Array for any other JSON array, and primitives for scalars. Trailing
// bytes after the root value are an error, per §4.1.
//
// This general form cannot distinguish Choice from a one-field Sequence —
// that distinction is schema-level, resolved by the caller (see
// ship/control.go and spine's datagram decoder) which knows which shape to
// expect at each position.
func Deserialize(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, errkind.InputArgument("codec: parse: %v", err)
	}
	if dec.More() {
		return nil, errkind.InputArgument("codec: trailing bytes after root value")
	}

	return fromRaw(raw)
}

func fromRaw(raw any) (Node, error) {
	switch v := raw.(type) {
	case nil:
		return Null{}, nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil, errkind.InputArgument("codec: non-integer number %q", v.String())
		}
		return Int(i), nil
	case []any:
		return arrayFromRaw(v)
	case map[string]any:
		return nil, errkind.InputArgument("codec: bare JSON object is not a legal node (expected array-of-single-key-objects)")
	default:
		return nil, errkind.InputArgument("codec: unsupported JSON value type %T", raw)
	}
}

// arrayFromRaw decides whether a JSON array is a Sequence (every element a
// single-key object) or a plain Array.
func arrayFromRaw(elems []any) (Node, error) {
	if len(elems) == 0 {
		return Array{}, nil
	}

	fields := make([]Field, 0, len(elems))
	allSingleKeyObjects := true
	for _, e := range elems {
		m, ok := e.(map[string]any)
		if !ok || len(m) != 1 {
			allSingleKeyObjects = false
			break
		}
		for k, val := range m {
			child, err := fromRaw(val)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			fields = append(fields, Field{Key: k, Value: child})
		}
	}
	if allSingleKeyObjects {
		return Sequence(fields), nil
	}

	arr := make(Array, 0, len(elems))
	for _, e := range elems {
		child, err := fromRaw(e)
		if err != nil {
			return nil, err
		}
		arr = append(arr, child)
	}
	return arr, nil
}
