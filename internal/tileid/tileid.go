// Package tileid decodes packed CGF-style tile identifiers.
//
// A tile identifier is an unsigned integer whose lowercase hexadecimal form,
// left-padded with zeros to nine digits, holds three fixed windows:
//
//	ppp vv ssss
//	|   |  +---- step    (digits 5..end)
//	|   +------- version (digits 3..5)
//	+----------- path    (digits 0..3)
//
// Identifiers wider than nine digits keep the windows positional, so the step
// field absorbs any overflow.
package tileid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	pathDigits    = 3
	versionDigits = 2
	stepDigits    = 4
	minDigits     = pathDigits + versionDigits + stepDigits
)

// ErrMalformedTileID is returned when text input is not an unsigned integer.
var ErrMalformedTileID = errors.New("malformed tile id")

// Coord is a decoded tile identifier.
type Coord struct {
	Path    int `json:"path"`
	Version int `json:"version"`
	Step    int `json:"step"`
}

// String renders the coordinate in the dotted ppp.vv.ssss form.
func (c Coord) String() string {
	return fmt.Sprintf("%03x.%02x.%04x", c.Path, c.Version, c.Step)
}

// Decode splits id into its path, version and step fields. It never fails.
func Decode(id uint64) Coord {
	h := strconv.FormatUint(id, 16)
	if len(h) < minDigits {
		h = strings.Repeat("0", minDigits-len(h)) + h
	}
	return Coord{
		Path:    hexField(h[:pathDigits]),
		Version: hexField(h[pathDigits : pathDigits+versionDigits]),
		Step:    hexField(h[pathDigits+versionDigits:]),
	}
}

// Encode joins the fields back with the same fixed widths. The step is
// written wider than four digits when it needs to be.
//
// Encode(Decode(id)) == id holds for every id below 1<<36.
func Encode(c Coord) uint64 {
	h := fmt.Sprintf("%0*x%0*x%0*x", pathDigits, c.Path, versionDigits, c.Version, stepDigits, c.Step)
	v, _ := strconv.ParseUint(h, 16, 64)
	return v
}

// ParseDecode decodes a decimal tile identifier given as text, the form used
// by the gene tables.
func ParseDecode(s string) (Coord, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Coord{}, fmt.Errorf("%w: %q", ErrMalformedTileID, s)
	}
	return Decode(id), nil
}

// ParseDotted parses the ppp.vv.ssss form produced by Coord.String.
func ParseDotted(s string) (Coord, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Coord{}, fmt.Errorf("%w: %q", ErrMalformedTileID, s)
	}
	var fields [3]int
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 32)
		if err != nil || p == "" {
			return Coord{}, fmt.Errorf("%w: %q", ErrMalformedTileID, s)
		}
		fields[i] = int(v)
	}
	return Coord{Path: fields[0], Version: fields[1], Step: fields[2]}, nil
}

// Parse accepts either a decimal identifier or the dotted form.
func Parse(s string) (Coord, error) {
	if strings.Contains(s, ".") {
		return ParseDotted(s)
	}
	return ParseDecode(s)
}

func hexField(s string) int {
	// Windows are sliced from FormatUint output, so they are always valid hex.
	v, _ := strconv.ParseUint(s, 16, 64)
	return int(v)
}
