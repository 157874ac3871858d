// Package docval models arbitrary structured documents (decision inputs,
// outputs, metadata) as an explicit tagged variant instead of map[string]any.
// Object member order is preserved through decode/encode round trips, and a
// separate canonical encoding (sorted keys, deterministic scalars) backs the
// integrity digest.
package docval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	List
	Map
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case List:
		return "list"
	case Map:
		return "map"
	}
	return "unknown"
}

// Member is one key/value pair of an ordered map.
type Member struct {
	Key   string
	Value Value
}

// Value is an immutable document value. The zero Value is JSON null.
type Value struct {
	kind    Kind
	boolean bool
	num     string // decimal literal as received or constructed
	str     string
	list    []Value
	members []Member
}

func NullValue() Value            { return Value{} }
func BoolValue(b bool) Value      { return Value{kind: Bool, boolean: b} }
func StringValue(s string) Value  { return Value{kind: String, str: s} }
func NumberFloat(f float64) Value { return Value{kind: Number, num: formatFloat(f)} }
func NumberInt(i int64) Value     { return Value{kind: Number, num: strconv.FormatInt(i, 10)} }

func ListValue(items ...Value) Value { return Value{kind: List, list: items} }

func MapValue(members ...Member) Value { return Value{kind: Map, members: members} }

// EmptyMap returns a map with no members, distinct from null.
func EmptyMap() Value { return Value{kind: Map, members: []Member{}} }

func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is JSON null (including the zero Value).
func (v Value) IsNull() bool { return v.kind == Null }

// Members returns the ordered members of a map value.
func (v Value) Members() []Member { return v.members }

// Items returns the elements of a list value.
func (v Value) Items() []Value { return v.list }

// StringVal returns the string content of a string value.
func (v Value) StringVal() string { return v.str }

// FromJSON parses a JSON document into a Value, preserving object member
// order. Numbers keep their source literal so encoding round-trips exactly.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if dec.More() {
		return Value{}, fmt.Errorf("docval: trailing data after document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("docval: %w", err)
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return Value{kind: Number, num: t.String()}, nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '{':
			members := []Member{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, fmt.Errorf("docval: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("docval: object key is %T, want string", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				members = append(members, Member{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Value{}, fmt.Errorf("docval: %w", err)
			}
			return Value{kind: Map, members: members}, nil
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Value{}, fmt.Errorf("docval: %w", err)
			}
			return Value{kind: List, list: items}, nil
		}
	}
	return Value{}, fmt.Errorf("docval: unexpected token %v", tok)
}

// MarshalJSON encodes the value preserving original member order.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.appendJSON(nil), nil
}

// UnmarshalJSON decodes JSON into the value, preserving member order.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) appendJSON(dst []byte) []byte {
	switch v.kind {
	case Null:
		return append(dst, "null"...)
	case Bool:
		return strconv.AppendBool(dst, v.boolean)
	case Number:
		return append(dst, v.num...)
	case String:
		return appendJSONString(dst, v.str)
	case List:
		dst = append(dst, '[')
		for i, item := range v.list {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = item.appendJSON(dst)
		}
		return append(dst, ']')
	case Map:
		dst = append(dst, '{')
		for i, m := range v.members {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendJSONString(dst, m.Key)
			dst = append(dst, ':')
			dst = m.Value.appendJSON(dst)
		}
		return append(dst, '}')
	}
	return dst
}

// AppendCanonical appends the canonical encoding: object keys sorted
// bytewise, numbers normalized, no insignificant whitespace. Semantically
// identical documents always yield identical bytes. An object with duplicate
// keys has no single canonical form and is rejected.
func (v Value) AppendCanonical(dst []byte) ([]byte, error) {
	switch v.kind {
	case Null:
		return append(dst, "null"...), nil
	case Bool:
		return strconv.AppendBool(dst, v.boolean), nil
	case Number:
		lit, err := canonicalNumber(v.num)
		if err != nil {
			return nil, err
		}
		return append(dst, lit...), nil
	case String:
		return appendJSONString(dst, v.str), nil
	case List:
		dst = append(dst, '[')
		for i, item := range v.list {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			dst, err = item.AppendCanonical(dst)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	case Map:
		idx := make([]int, len(v.members))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return v.members[idx[a]].Key < v.members[idx[b]].Key })
		dst = append(dst, '{')
		for i, j := range idx {
			if i > 0 {
				if v.members[idx[i-1]].Key == v.members[j].Key {
					return nil, fmt.Errorf("docval: duplicate key %q has no canonical form", v.members[j].Key)
				}
				dst = append(dst, ',')
			}
			dst = appendJSONString(dst, v.members[j].Key)
			dst = append(dst, ':')
			var err error
			dst, err = v.members[j].Value.AppendCanonical(dst)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	}
	return nil, fmt.Errorf("docval: value of kind %s has no canonical form", v.kind)
}

// Text collects the string scalar content of the document, space separated,
// in document order. Used to build the full-text body for the search index.
func (v Value) Text() string {
	var sb strings.Builder
	v.collectText(&sb)
	return strings.TrimSpace(sb.String())
}

func (v Value) collectText(sb *strings.Builder) {
	switch v.kind {
	case String:
		if v.str != "" {
			sb.WriteString(v.str)
			sb.WriteByte(' ')
		}
	case List:
		for _, item := range v.list {
			item.collectText(sb)
		}
	case Map:
		for _, m := range v.members {
			m.Value.collectText(sb)
		}
	}
}

// canonicalNumber normalizes a decimal literal: integers in base-10 without
// exponent, everything else as the shortest float64 representation. Literals
// that denote the same number canonicalize identically ("1.0" == "1").
func canonicalNumber(lit string) (string, error) {
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return "", fmt.Errorf("docval: number literal %q: %w", lit, err)
	}
	// Integral floats collapse to the integer form when exact.
	if f == float64(int64(f)) && f >= -1<<53 && f <= 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return formatFloat(f), nil
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) && f >= -1<<53 && f <= 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// appendJSONString writes a JSON string using encoding/json escaping rules so
// output stays interoperable with stdlib-produced JSON.
func appendJSONString(dst []byte, s string) []byte {
	b, _ := json.Marshal(s)
	return append(dst, b...)
}
