package bencode

import (
	"bytes"
	"slices"
	"strconv"
)

// Encode returns the canonical encoding of v: dictionary keys sorted as raw
// byte strings. It does not consult v.Raw(), so a decoded dictionary whose
// keys were out of order re-encodes to different bytes.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindBytes:
		encodeBytes(buf, v.bytes)
	case KindInteger:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatUint(v.integer, 10))
		buf.WriteByte('e')
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.list {
			encode(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := v.dict.Keys()
		slices.Sort(keys)
		for _, k := range keys {
			encodeBytes(buf, []byte(k))
			encode(buf, v.dict.entries[k])
		}
		buf.WriteByte('e')
	}
}

func encodeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}
