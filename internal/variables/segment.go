package variables

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// SegmentType tags the kind of value held by a Segment.
type SegmentType string

const (
	SegmentString  SegmentType = "string"
	SegmentNumber  SegmentType = "number"
	SegmentBoolean SegmentType = "boolean"
	SegmentObject  SegmentType = "object"
	SegmentArray   SegmentType = "array"
	SegmentFile    SegmentType = "file"
	SegmentNone    SegmentType = "none"
)

// File references a binary artifact produced or consumed by a node.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Segment is a tagged value stored in the pool. Values are normalized to the
// shapes produced by JSON decoding (float64, map[string]any, []any) so that a
// pool survives serialization unchanged.
type Segment struct {
	Type  SegmentType `json:"type"`
	Value any         `json:"value"`
}

// NewSegment wraps a Go value into a normalized Segment.
func NewSegment(v any) (Segment, error) {
	switch val := v.(type) {
	case Segment:
		return val, nil
	case File:
		return Segment{Type: SegmentFile, Value: val}, nil
	case *File:
		if val == nil {
			return Segment{Type: SegmentNone}, nil
		}
		return Segment{Type: SegmentFile, Value: *val}, nil
	}

	norm, err := normalize(v)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Type: typeOf(norm), Value: norm}, nil
}

// MustSegment is NewSegment for values known to be JSON-shaped.
func MustSegment(v any) Segment {
	s, err := NewSegment(v)
	if err != nil {
		panic(err)
	}
	return s
}

func typeOf(v any) SegmentType {
	switch v.(type) {
	case nil:
		return SegmentNone
	case string:
		return SegmentString
	case float64:
		return SegmentNumber
	case bool:
		return SegmentBoolean
	case map[string]any:
		return SegmentObject
	case []any:
		return SegmentArray
	case File:
		return SegmentFile
	default:
		return SegmentNone
	}
}

// normalize converts v to JSON-decoded shapes.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return val, nil
	case int:
		return float64(val), nil
	case int8:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case float32:
		return float64(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return f, nil
	case File:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	}

	// Structs and anything else: take the JSON view.
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported value of type %T: %w", v, err)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// UnmarshalJSON restores file segments to their typed form.
func (s *Segment) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  SegmentType     `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Type = raw.Type
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		s.Value = nil
		return nil
	}
	if raw.Type == SegmentFile {
		var f File
		if err := json.Unmarshal(raw.Value, &f); err != nil {
			return err
		}
		s.Value = f
		return nil
	}
	var v any
	if err := json.Unmarshal(raw.Value, &v); err != nil {
		return err
	}
	s.Value = v
	return nil
}

// Text renders the segment for template substitution.
func (s Segment) Text() string {
	switch v := s.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case File:
		if v.URL != "" {
			return v.URL
		}
		return v.Name
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// Lookup descends into object keys and array indexes.
func (s Segment) Lookup(path []string) (Segment, bool) {
	cur := s.Value
	for _, p := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[p]
			if !ok {
				return Segment{}, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(v) {
				return Segment{}, false
			}
			cur = v[idx]
		case File:
			fv, ok := fileField(v, p)
			if !ok {
				return Segment{}, false
			}
			cur = fv
		default:
			return Segment{}, false
		}
	}
	if f, ok := cur.(File); ok {
		return Segment{Type: SegmentFile, Value: f}, true
	}
	return Segment{Type: typeOf(cur), Value: cur}, true
}

func fileField(f File, name string) (any, bool) {
	switch strings.ToLower(name) {
	case "id":
		return f.ID, true
	case "name":
		return f.Name, true
	case "mime_type":
		return f.MimeType, true
	case "url":
		return f.URL, true
	case "size":
		return float64(f.Size), true
	}
	return nil, false
}

// Normalize converts v to the shapes JSON decoding would produce.
func Normalize(v any) (any, error) {
	return normalize(v)
}
