package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal encodes v as a bencoded byte slice. See Encoder.Encode for the
// supported Go types.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an underlying io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v to the encoder's writer in bencoded form. Supported
// types are strings, []byte, bool, every sized int/uint, []any, and
// map[string]any; any other type is an error.
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeString(string(x))
	case bool:
		return e.encodeBool(x)
	case int:
		return e.encodeInt64(int64(x))
	case int8:
		return e.encodeInt64(int64(x))
	case int16:
		return e.encodeInt64(int64(x))
	case int32:
		return e.encodeInt64(int64(x))
	case int64:
		return e.encodeInt64(x)
	case uint:
		return e.encodeUint(uint64(x))
	case uint8:
		return e.encodeUint(uint64(x))
	case uint16:
		return e.encodeUint(uint64(x))
	case uint32:
		return e.encodeUint(uint64(x))
	case uint64:
		return e.encodeUint(x)
	case []any:
		return e.encodeSlice(x)
	case map[string]any:
		return e.encodeDict(x)
	default:
		return fmt.Errorf("bencode: unsupported datatype '%T'", v)
	}
}

func (e *Encoder) writeByte(b byte) error {
	_, err := e.w.Write([]byte{b})
	return err
}

// encodeNumber wraps pre-formatted decimal digits as a bencoded
// integer: 'i' <digits> 'e'. Both the signed and unsigned encode paths
// share this so the delimiter handling lives in one place.
func (e *Encoder) encodeNumber(digits []byte) error {
	if err := e.writeByte(TokenInteger.Byte()); err != nil {
		return err
	}
	if _, err := e.w.Write(digits); err != nil {
		return err
	}
	return e.writeByte(TokenEnding.Byte())
}

func (e *Encoder) encodeInt64(n int64) error {
	var buf [32]byte
	return e.encodeNumber(strconv.AppendInt(buf[:0], n, 10))
}

func (e *Encoder) encodeUint(u uint64) error {
	var buf [32]byte
	return e.encodeNumber(strconv.AppendUint(buf[:0], u, 10))
}

func (e *Encoder) encodeBool(b bool) error {
	if b {
		return e.encodeInt64(1)
	}
	return e.encodeInt64(0)
}

func (e *Encoder) encodeString(s string) error {
	var buf [32]byte
	if _, err := e.w.Write(strconv.AppendInt(buf[:0], int64(len(s)), 10)); err != nil {
		return err
	}
	if err := e.writeByte(TokenStringSeparator.Byte()); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeSlice(xs []any) error {
	if err := e.writeByte(TokenList.Byte()); err != nil {
		return err
	}
	for _, v := range xs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.writeByte(TokenEnding.Byte())
}

// encodeDict writes m's entries in sorted key order, as the spec
// requires for a canonical encoding (and as info-dict hashing depends
// on).
func (e *Encoder) encodeDict(m map[string]any) error {
	if err := e.writeByte(TokenDict.Byte()); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.encodeString(k); err != nil {
			return err
		}
		if err := e.Encode(m[k]); err != nil {
			return err
		}
	}

	return e.writeByte(TokenEnding.Byte())
}
