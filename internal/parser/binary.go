package parser

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
)

// MaxDepth bounds the nesting depth walked when deconstructing or
// reconstructing binary attachments.
const MaxDepth = 64

// ErrMaxDepthExceeded is returned for data nested deeper than MaxDepth.
var ErrMaxDepthExceeded = errors.New("parser: max depth exceeded")

const (
	placeholderKey = "_placeholder"
	placeholderNum = "num"
)

// Valuer is implemented by values that provide their own wire
// representation. The returned value is walked for binary data like any
// other; it should be built from the types listed on Packet.Data.
type Valuer interface {
	PacketValue() any
}

// Placeholder returns the marker substituted for the binary attachment at index.
func Placeholder(index int) map[string]any {
	return map[string]any{placeholderKey: true, placeholderNum: index}
}

// HasBinary reports whether data contains a []byte anywhere in its structure.
// Data nested deeper than MaxDepth reports true so that encoding goes
// through Deconstruct, which rejects it.
func HasBinary(data any) bool {
	return hasBinary(data, 0)
}

func hasBinary(data any, depth int) bool {
	if depth > MaxDepth {
		return true
	}
	switch v := data.(type) {
	case []byte:
		return true
	case []any:
		for _, item := range v {
			if hasBinary(item, depth+1) {
				return true
			}
		}
	case map[string]any:
		for _, item := range v {
			if hasBinary(item, depth+1) {
				return true
			}
		}
	case Valuer:
		return hasBinary(v.PacketValue(), depth+1)
	}
	return false
}

// Deconstruct replaces every binary value in data with a placeholder and
// returns the rewritten data with the extracted buffers, in depth-first
// order. Sequences are walked in index order and maps in sorted key order,
// so the output is deterministic. data itself is not modified.
func Deconstruct(data any) (any, [][]byte, error) {
	var buffers [][]byte
	out, err := deconstruct(data, &buffers, 0)
	if err != nil {
		return nil, nil, err
	}
	return out, buffers, nil
}

func deconstruct(data any, buffers *[][]byte, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, ErrMaxDepthExceeded
	}
	switch v := data.(type) {
	case []byte:
		*buffers = append(*buffers, v)
		return Placeholder(len(*buffers) - 1), nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			d, err := deconstruct(item, buffers, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, key := range slices.Sorted(maps.Keys(v)) {
			d, err := deconstruct(v[key], buffers, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = d
		}
		return out, nil
	case Valuer:
		return deconstruct(v.PacketValue(), buffers, depth+1)
	default:
		return data, nil
	}
}

// Reconstruct substitutes placeholders in data with the matching buffers.
// Every buffer must be referenced: a placeholder count different from
// len(buffers), or an out-of-range index, is ErrIllegalAttachments.
func Reconstruct(data any, buffers [][]byte) (any, error) {
	count := 0
	out, err := reconstruct(data, buffers, &count, 0)
	if err != nil {
		return nil, err
	}
	if count != len(buffers) {
		return nil, ErrIllegalAttachments
	}
	return out, nil
}

func reconstruct(data any, buffers [][]byte, count *int, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, ErrMaxDepthExceeded
	}
	switch v := data.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			d, err := reconstruct(item, buffers, count, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case map[string]any:
		if isPlaceholder(v) {
			index, ok := placeholderIndex(v[placeholderNum])
			if !ok || index < 0 || index >= len(buffers) {
				return nil, ErrIllegalAttachments
			}
			*count++
			return buffers[index], nil
		}
		out := make(map[string]any, len(v))
		for key, item := range v {
			d, err := reconstruct(item, buffers, count, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = d
		}
		return out, nil
	default:
		return data, nil
	}
}

func isPlaceholder(m map[string]any) bool {
	flag, ok := m[placeholderKey].(bool)
	return ok && flag
}

func placeholderIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
