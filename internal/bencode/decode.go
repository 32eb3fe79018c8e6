package bencode

import (
	"fmt"
	"strconv"
)

const DefaultMaxDepth = 64

type options struct {
	maxDepth     int
	maxStringLen int
}

type Option func(*options)

// WithMaxDepth bounds list/dictionary nesting. Values below 1 restore the default.
func WithMaxDepth(depth int) Option {
	return func(o *options) {
		if depth < 1 {
			depth = DefaultMaxDepth
		}
		o.maxDepth = depth
	}
}

// WithMaxStringLength rejects byte strings declaring more than n bytes.
// Zero means the input length is the only bound.
func WithMaxStringLength(n int) Option {
	return func(o *options) {
		o.maxStringLen = n
	}
}

type decoder struct {
	data  []byte
	pos   int
	depth int
	opts  options
}

// Decode decodes the first complete value in data and returns it together
// with the number of bytes consumed.
func Decode(data []byte, opts ...Option) (Value, int, error) {
	d := &decoder{data: data, opts: options{maxDepth: DefaultMaxDepth}}
	for _, opt := range opts {
		opt(&d.opts)
	}
	if len(data) == 0 {
		return Value{}, 0, d.fail(ErrMalformedLength, "empty input")
	}
	v, err := d.value()
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.pos, nil
}

// DecodeAll is Decode requiring the value to span the whole input.
func DecodeAll(data []byte, opts ...Option) (Value, error) {
	v, n, err := Decode(data, opts...)
	if err != nil {
		return Value{}, err
	}
	if n != len(data) {
		return Value{}, &SyntaxError{Offset: n, Err: ErrTrailingData, msg: fmt.Sprintf("%d bytes left", len(data)-n)}
	}
	return v, nil
}

func (d *decoder) fail(err error, msg string) error {
	return &SyntaxError{Offset: d.pos, Err: err, msg: msg}
}

func (d *decoder) span(start int) []byte {
	return d.data[start:d.pos:d.pos]
}

func (d *decoder) value() (Value, error) {
	switch d.data[d.pos] {
	case 'i':
		return d.integer()
	case 'l':
		return d.list()
	case 'd':
		return d.dictionary()
	default:
		return d.byteString()
	}
}

func (d *decoder) byteString() (Value, error) {
	start := d.pos
	i := d.pos
	for i < len(d.data) && d.data[i] >= '0' && d.data[i] <= '9' {
		i++
	}
	if i == start {
		return Value{}, d.fail(ErrMalformedLength, fmt.Sprintf("unexpected byte %q", d.data[start]))
	}
	if i == len(d.data) || d.data[i] != ':' {
		d.pos = i
		return Value{}, d.fail(ErrMalformedLength, "missing ':' separator")
	}
	length, err := strconv.Atoi(string(d.data[start:i]))
	if err != nil {
		return Value{}, d.fail(ErrMalformedLength, err.Error())
	}
	if d.opts.maxStringLen > 0 && length > d.opts.maxStringLen {
		return Value{}, d.fail(ErrMalformedLength, fmt.Sprintf("declared %d bytes, limit %d", length, d.opts.maxStringLen))
	}
	body := i + 1
	if length > len(d.data)-body {
		return Value{}, d.fail(ErrMalformedLength, fmt.Sprintf("declared %d bytes, %d available", length, len(d.data)-body))
	}
	d.pos = body + length
	return Value{kind: KindBytes, bytes: d.data[body:d.pos:d.pos], raw: d.span(start)}, nil
}

func (d *decoder) integer() (Value, error) {
	start := d.pos
	i := d.pos + 1
	digits := i
	for i < len(d.data) && d.data[i] >= '0' && d.data[i] <= '9' {
		i++
	}
	if i == len(d.data) || d.data[i] != 'e' {
		d.pos = i
		return Value{}, d.fail(ErrUnterminatedInteger, "expected digits followed by 'e'")
	}
	if i == digits {
		d.pos = i
		return Value{}, d.fail(ErrUnterminatedInteger, "no digits")
	}
	n, err := strconv.ParseUint(string(d.data[digits:i]), 10, 64)
	if err != nil {
		d.pos = digits
		return Value{}, d.fail(ErrUnterminatedInteger, err.Error())
	}
	d.pos = i + 1
	return Value{kind: KindInteger, integer: n, raw: d.span(start)}, nil
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > d.opts.maxDepth {
		return d.fail(ErrDepthExceeded, fmt.Sprintf("limit %d", d.opts.maxDepth))
	}
	return nil
}

func (d *decoder) list() (Value, error) {
	start := d.pos
	if err := d.enter(); err != nil {
		return Value{}, err
	}
	defer func() { d.depth-- }()

	d.pos++
	items := make([]Value, 0)
	for {
		if d.pos >= len(d.data) {
			return Value{}, d.fail(ErrUnterminatedList, "")
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return Value{kind: KindList, list: items, raw: d.span(start)}, nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dictionary() (Value, error) {
	start := d.pos
	if err := d.enter(); err != nil {
		return Value{}, err
	}
	defer func() { d.depth-- }()

	d.pos++
	dict := Dict{entries: make(map[string]Value)}
	for {
		if d.pos >= len(d.data) {
			return Value{}, d.fail(ErrUnterminatedDictionary, "")
		}
		c := d.data[d.pos]
		if c == 'e' {
			d.pos++
			return Value{kind: KindDict, dict: dict, raw: d.span(start)}, nil
		}
		if c < '0' || c > '9' {
			return Value{}, d.fail(ErrInvalidKey, fmt.Sprintf("unexpected byte %q", c))
		}
		key, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		if d.pos >= len(d.data) {
			return Value{}, d.fail(ErrUnterminatedDictionary, "missing value for key "+strconv.Quote(string(key.bytes)))
		}
		val, err := d.value()
		if err != nil {
			return Value{}, err
		}
		// duplicate keys: the last occurrence wins
		dict.set(string(key.bytes), val)
	}
}
