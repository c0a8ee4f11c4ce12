package bencode

import (
	"bytes"
	"testing"
)

func encodeToString(t *testing.T, v any) string {
	t.Helper()
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("Encode(%#v) error: %v", v, err)
	}
	return buf.String()
}

func TestEncode_StringsAndBytes(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "spam", "4:spam"},
		{"empty-string", "", "0:"},
		{"byte-slice", []byte("egg"), "3:egg"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := encodeToString(t, tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEncode_Numbers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 42, "i42e"},
		{"int8", int8(-7), "i-7e"},
		{"int16", int16(300), "i300e"},
		{"int32", int32(-300), "i-300e"},
		{"int64", int64(9000000000), "i9000000000e"},
		{"uint", uint(1), "i1e"},
		{"uint8", uint8(255), "i255e"},
		{"uint16", uint16(1000), "i1000e"},
		{"uint32", uint32(70000), "i70000e"},
		{"uint64-max", ^uint64(0), "i18446744073709551615e"},
		{"zero", 0, "i0e"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := encodeToString(t, tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEncode_Bools(t *testing.T) {
	if got := encodeToString(t, true); got != "i1e" {
		t.Fatalf("true encoded as %q, want i1e", got)
	}
	if got := encodeToString(t, false); got != "i0e" {
		t.Fatalf("false encoded as %q, want i0e", got)
	}
}

func TestEncode_ListOrderIsPreserved(t *testing.T) {
	in := []any{"spam", int64(1), []any{"nested", int64(2)}}
	want := "l4:spami1el6:nestedi2eee"
	if got := encodeToString(t, in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncode_EmptyListAndDict(t *testing.T) {
	if got := encodeToString(t, []any{}); got != "le" {
		t.Fatalf("empty list got %q, want le", got)
	}
	if got := encodeToString(t, map[string]any{}); got != "de" {
		t.Fatalf("empty dict got %q, want de", got)
	}
}

func TestEncode_DictKeysAreSortedRegardlessOfInsertionOrder(t *testing.T) {
	in := map[string]any{
		"zebra": int64(1),
		"apple": int64(2),
		"mango": int64(3),
	}
	want := "d5:applei2e5:mangoi3e5:zebrai1ee"
	if got := encodeToString(t, in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncode_NestedDictMatchesTorrentShape(t *testing.T) {
	in := map[string]any{
		"announce": "http://tracker",
		"info": map[string]any{
			"length": int64(1024),
			"name":   "ubuntu.iso",
		},
	}
	want := "d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.isoee"
	if got := encodeToString(t, in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncode_RejectsUnsupportedType(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(3.14); err == nil {
		t.Fatalf("expected error encoding a float, got nil")
	}
}

func TestMarshal_MatchesEncoderOutput(t *testing.T) {
	v := map[string]any{"a": int64(1), "b": []any{"x", "y"}}

	want := encodeToString(t, v)
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(got) != want {
		t.Fatalf("Marshal() = %q, want %q", got, want)
	}
}

func TestMarshal_RejectsUnsupportedType(t *testing.T) {
	_, err := Marshal(struct{}{})
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("unsupported datatype")) {
		t.Fatalf("Marshal(struct{}{}) error = %v, want contains \"unsupported datatype\"", err)
	}
}
