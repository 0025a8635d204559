package abi

import (
	"encoding/json"
	"testing"
)

func TestValueMarshalJSONBareScalar(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want string
	}{
		{"int", NewInt(-42), "-42"},
		{"uint", NewUint(7), "7"},
		{"double", NewDouble(999.99), "999.99"},
		{"string", NewString("foo"), `"foo"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(tc.v)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDecodeValueRoundTrip(t *testing.T) {
	raw, _ := json.Marshal(3.5)
	v, err := DecodeValue(TagDouble, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Double != 3.5 || v.Tag != TagDouble {
		t.Fatalf("got %+v", v)
	}
}

func TestDecodeValueWrongVariant(t *testing.T) {
	raw, _ := json.Marshal("not a number")
	if _, err := DecodeValue(TagInt, raw); err == nil {
		t.Fatal("expected error decoding a string payload as int")
	}
}

func TestParseTagUnknown(t *testing.T) {
	if _, err := ParseTag("bool"); err == nil {
		t.Fatal("expected error for unsupported variant")
	}
}

func TestSameVariant(t *testing.T) {
	if !NewInt(1).SameVariant(NewInt(2)) {
		t.Fatal("two ints should share a variant")
	}
	if NewInt(1).SameVariant(NewUint(1)) {
		t.Fatal("int and uint must not share a variant")
	}
}
