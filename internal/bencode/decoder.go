package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Unmarshal parses a single complete bencoded value from data and
// returns it as one of int64, string, []any, or map[string]any.
//
// Returns an error if the input is malformed, exceeds Decoder limits,
// or contains trailing data after the first value.
func Unmarshal(data []byte) (any, error) {
	d := NewDecoder(data)

	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if _, err := d.r.Peek(1); err == nil {
		return nil, fmt.Errorf("bencode: trailing data after first value")
	} else if !errors.Is(err, io.EOF) {
		return nil, err
	}

	return v, nil
}

// Token identifies a syntactic marker in the bencode grammar.
type Token byte

func (t Token) Byte() byte { return byte(t) }

const (
	TokenDict            Token = 'd'
	TokenInteger         Token = 'i'
	TokenEnding          Token = 'e'
	TokenList            Token = 'l'
	TokenStringSeparator Token = ':'
)

// Decoder limits bound pathological input so a malformed or hostile
// .torrent file can't exhaust memory or the call stack.
const (
	defaultMaxDepth  = 2048
	defaultMaxStrLen = 16 << 20 // 16 MiB
	defaultMaxDigits = 19       // fits int64's range
)

// Decoder reads bencoded values from an in-memory byte slice. A Decoder
// is safe for use by a single goroutine at a time, but not concurrently.
type Decoder struct {
	r         *bufio.Reader
	maxDepth  int
	maxStrLen int64
	maxDigits int
}

// NewDecoder returns a Decoder reading from data with conservative
// default limits. The returned Decoder reads data in place without
// copying it, so data must not be modified while it is in use.
func NewDecoder(data []byte) *Decoder {
	d := &Decoder{
		maxDepth:  defaultMaxDepth,
		maxStrLen: defaultMaxStrLen,
		maxDigits: defaultMaxDigits,
	}
	d.Reset(data)
	return d
}

// Reset discards the decoder's current position and starts reading
// from data, reusing the decoder's buffer and limits. Useful when
// parsing many small bencoded values (e.g. per-announce tracker
// responses) without allocating a fresh Decoder each time.
func (d *Decoder) Reset(data []byte) {
	if d.r == nil {
		d.r = bufio.NewReader(bytes.NewReader(data))
		return
	}
	d.r.Reset(bytes.NewReader(data))
}

// Decode parses and returns the next bencoded value from the input.
func (d *Decoder) Decode() (any, error) { return d.decode(0) }

func (d *Decoder) decode(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, errors.New("bencode: max depth exceeded")
	}

	delim, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch delim {
	case TokenDict.Byte():
		return d.decodeDict(depth + 1)
	case TokenList.Byte():
		return d.decodeList(depth + 1)
	case TokenInteger.Byte():
		return d.decodeInteger()
	default:
		if err := d.r.UnreadByte(); err != nil {
			return nil, err
		}
		return d.decodeString()
	}
}

// atEnding peeks at the next byte; if it is the 'e' terminator it is
// consumed and atEnding returns true. Shared by decodeDict and
// decodeList, whose only difference is what they collect between
// terminator checks.
func (d *Decoder) atEnding() (bool, error) {
	next, err := d.r.Peek(1)
	if err != nil {
		return false, err
	}
	if next[0] != TokenEnding.Byte() {
		return false, nil
	}
	_, err = d.r.ReadByte()
	return true, err
}

func (d *Decoder) decodeDict(depth int) (map[string]any, error) {
	dict := make(map[string]any, 8)

	for {
		done, err := d.atEnding()
		if err != nil {
			return nil, err
		}
		if done {
			return dict, nil
		}

		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		dict[k] = v
	}
}

func (d *Decoder) decodeList(depth int) ([]any, error) {
	var list []any

	for {
		done, err := d.atEnding()
		if err != nil {
			return nil, err
		}
		if done {
			return list, nil
		}

		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

// decodeInteger parses 'i' <digits> 'e'. The leading 'i' was already
// consumed by decode's dispatch.
func (d *Decoder) decodeInteger() (int64, error) {
	return d.readInteger(TokenEnding)
}

// decodeString parses <len> ':' <bytes>.
func (d *Decoder) decodeString() (string, error) {
	n, err := d.readInteger(TokenStringSeparator)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", errors.New("bencode: string length can't be negative")
	}
	if n > d.maxStrLen {
		return "", fmt.Errorf("bencode: string too large: %d > %d", n, d.maxStrLen)
	}
	if n == 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", fmt.Errorf("bencode: read string: %w", err)
	}
	return string(buf), nil
}

// readInteger reads a base-10, optionally signed integer terminated by
// delim, rejecting leading zeros and "-0" as non-canonical, and
// enforcing d.maxDigits.
func (d *Decoder) readInteger(delim Token) (int64, error) {
	buf, err := d.r.ReadSlice(delim.Byte())
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return 0, errors.New("bencode: integer too long")
		}
		return 0, err
	}

	digits := buf[:len(buf)-1] // drop the delimiter
	if len(digits) == 0 {
		return 0, errors.New("bencode: empty integer")
	}
	if len(digits) > d.maxDigits+1 {
		return 0, errors.New("bencode: too many digits")
	}

	switch {
	case digits[0] == '-':
		if len(digits) == 1 {
			return 0, errors.New("bencode: lone '-'")
		}
		if digits[1] == '0' {
			return 0, errors.New("bencode: negative zero")
		}
	case digits[0] == '0' && len(digits) > 1:
		return 0, errors.New("bencode: leading zero")
	}

	v, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencode: invalid integer: %w", err)
	}
	return v, nil
}
