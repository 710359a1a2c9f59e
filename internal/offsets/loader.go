package offsets

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Format names the encoding of an offsets resource.
type Format string

const (
	// FormatRows lists the number of rows each path occupies.
	FormatRows Format = "rows"
	// FormatCumulative lists the first row of each path, followed by the
	// total row count as a final entry.
	FormatCumulative Format = "cumulative"
)

// Parse reads a comma-separated sequence of non-negative integers. Whitespace
// and newlines around entries are ignored, as is a trailing comma.
func Parse(r io.Reader) ([]int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read offsets: %w", err)
	}

	fields := strings.Split(strings.TrimSpace(string(data)), ",")
	out := make([]int, 0, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			if i == len(fields)-1 {
				break
			}
			return nil, fmt.Errorf("%w: empty entry at position %d", ErrInvalidOffsets, i)
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d (%q) is not an integer", ErrInvalidOffsets, i, f)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: entry %d is negative", ErrInvalidOffsets, i)
		}
		out = append(out, v)
	}
	return out, nil
}

// Build turns a parsed sequence into a table according to format.
func Build(values []int, format Format) (*Table, error) {
	switch format {
	case FormatRows, "":
		return New(values)
	case FormatCumulative:
		if len(values) < 1 {
			return nil, fmt.Errorf("%w: cumulative offsets need a closing total", ErrInvalidOffsets)
		}
		return FromCumulative(values[:len(values)-1], values[len(values)-1])
	default:
		return nil, fmt.Errorf("unknown offsets format: %q", format)
	}
}

// Load reads an offsets file from disk. Files ending in .zst are
// decompressed with zstd first.
func Load(ctx context.Context, path string, format Format) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offsets %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Build(values, format)
}
