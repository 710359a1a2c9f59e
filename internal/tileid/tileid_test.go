package tileid

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		id   uint64
		want Coord
	}{
		{"zero", 0, Coord{0, 0, 0}},
		{"stepOnly", 0x1, Coord{Path: 0, Version: 0, Step: 1}},
		{"allFields", 0x2470a1f3c, Coord{Path: 0x247, Version: 0x0a, Step: 0x1f3c}},
		{"versionOnly", 0x0001f0000, Coord{Path: 0, Version: 0x1f, Step: 0}},
		{"maxNineDigits", 0xfffffffff, Coord{Path: 0xfff, Version: 0xff, Step: 0xffff}},
		// Ten hex digits: windows stay positional and step absorbs the extra digit.
		{"overflowIntoStep", 0x123456789a, Coord{Path: 0x123, Version: 0x45, Step: 0x6789a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.id)
			if got != tt.want {
				t.Fatalf("Decode(%#x) = %+v, want %+v", tt.id, got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ids := []uint64{0, 1, 0xffff, 0x10000, 0x2470a1f3c, 0x35e00001b, 0xfffffffff}
	for _, id := range ids {
		if got := Encode(Decode(id)); got != id {
			t.Errorf("Encode(Decode(%#x)) = %#x", id, got)
		}
	}
	// Overflowing ids survive as long as the step has no leading zero digit.
	if got := Encode(Decode(0x123456789a)); got != 0x123456789a {
		t.Errorf("overflow round trip = %#x", got)
	}
}

func TestParseDecode(t *testing.T) {
	c, err := ParseDecode(" 9766421308 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != Decode(9766421308) {
		t.Fatalf("unexpected coord: %+v", c)
	}

	for _, in := range []string{"", "abc", "-5", "1.5"} {
		if _, err := ParseDecode(in); !errors.Is(err, ErrMalformedTileID) {
			t.Errorf("ParseDecode(%q) error = %v, want ErrMalformedTileID", in, err)
		}
	}
}

func TestDottedForm(t *testing.T) {
	c := Coord{Path: 0x247, Version: 0, Step: 0x1f}
	s := c.String()
	if s != "247.00.001f" {
		t.Fatalf("String() = %q", s)
	}
	back, err := ParseDotted(s)
	if err != nil {
		t.Fatalf("ParseDotted: %v", err)
	}
	if back != c {
		t.Fatalf("ParseDotted(%q) = %+v", s, back)
	}

	if _, err := Parse("247.00"); !errors.Is(err, ErrMalformedTileID) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if _, err := Parse("247..1f"); !errors.Is(err, ErrMalformedTileID) {
		t.Fatalf("expected malformed error for empty field, got %v", err)
	}
	viaParse, err := Parse("1")
	if err != nil || viaParse != (Coord{Step: 1}) {
		t.Fatalf("Parse(\"1\") = %+v, %v", viaParse, err)
	}
}
