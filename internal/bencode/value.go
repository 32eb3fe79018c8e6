package bencode

import (
	"slices"
	"strconv"
)

type Kind uint8

const (
	KindBytes Kind = iota
	KindInteger
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindInteger:
		return "integer"
	case KindList:
		return "list"
	case KindDict:
		return "dictionary"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is one node of a decoded tree. Only the field matching kind is set.
// raw is the exact span of input the node was decoded from; for values built
// with the New* constructors it holds their canonical encoding.
type Value struct {
	kind    Kind
	bytes   []byte
	integer uint64
	list    []Value
	dict    Dict
	raw     []byte
}

// Dict maps keys to values and remembers the order in which keys were first seen.
type Dict struct {
	entries map[string]Value
	keys    []string
}

func NewBytes(b []byte) Value {
	v := Value{kind: KindBytes, bytes: b}
	v.raw = Encode(v)
	return v
}

func NewString(s string) Value {
	return NewBytes([]byte(s))
}

func NewInteger(n uint64) Value {
	v := Value{kind: KindInteger, integer: n}
	v.raw = Encode(v)
	return v
}

func NewList(items ...Value) Value {
	v := Value{kind: KindList, list: items}
	v.raw = Encode(v)
	return v
}

// NewDict builds a dictionary. Its raw span is the canonical, key-sorted encoding.
func NewDict(pairs map[string]Value) Value {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	d := Dict{entries: make(map[string]Value, len(pairs))}
	for _, k := range keys {
		d.set(k, pairs[k])
	}
	v := Value{kind: KindDict, dict: d}
	v.raw = Encode(v)
	return v
}

func (v Value) Kind() Kind {
	return v.kind
}

// Raw returns the bytes the value was decoded from. The slice aliases the
// decoder input and must not be modified.
func (v Value) Raw() []byte {
	return v.raw
}

func (v Value) Bytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, mismatch(KindBytes, v.kind)
	}
	return v.bytes, nil
}

func (v Value) Str() (string, error) {
	b, err := v.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (v Value) Uint() (uint64, error) {
	if v.kind != KindInteger {
		return 0, mismatch(KindInteger, v.kind)
	}
	return v.integer, nil
}

func (v Value) List() ([]Value, error) {
	if v.kind != KindList {
		return nil, mismatch(KindList, v.kind)
	}
	return v.list, nil
}

// Dict returns the dictionary together with its raw encoded bytes.
func (v Value) Dict() (Dict, []byte, error) {
	if v.kind != KindDict {
		return Dict{}, nil, mismatch(KindDict, v.kind)
	}
	return v.dict, v.raw, nil
}

func (d *Dict) set(key string, v Value) {
	if d.entries == nil {
		d.entries = make(map[string]Value)
	}
	if _, ok := d.entries[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.entries[key] = v
}

func (d Dict) Get(key string) (Value, bool) {
	v, ok := d.entries[key]
	return v, ok
}

// Lookup is Get returning ErrMissingKey when the key is absent.
func (d Dict) Lookup(key string) (Value, error) {
	v, ok := d.entries[key]
	if !ok {
		return Value{}, &MissingKeyError{Key: key}
	}
	return v, nil
}

func (d Dict) Len() int {
	return len(d.keys)
}

// Keys returns keys in the order they first appeared in the input.
func (d Dict) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}
