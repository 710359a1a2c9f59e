// Package genetable reads supertile and gene tables and turns their rows into
// placement items.
package genetable

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/slippy-genome/server/internal/placement"
	"github.com/slippy-genome/server/internal/spatial"
	"github.com/slippy-genome/server/internal/tileid"
)

// Supertile is one row of the supertile table. Row i describes path i.
type Supertile struct {
	Name string `csv:"name"`
	Num  int    `csv:"num"`
}

// Gene is one row of the gene table. Tile ids are decimal packed CGF ids.
type Gene struct {
	Name      string `csv:"gene" json:"gene"`
	StartTile string `csv:"start_tile" json:"start_tile"`
	EndTile   string `csv:"end_tile" json:"end_tile"`
	// URLs and Groups are '|' separated lists.
	URLs   string `csv:"urls" json:"urls,omitempty"`
	Groups string `csv:"groups" json:"groups,omitempty"`
}

// Links returns the gene's article links.
func (g Gene) Links() []string {
	return splitList(g.URLs)
}

// GroupNames returns the filter groups the gene belongs to.
func (g Gene) GroupNames() []string {
	return splitList(g.Groups)
}

// Span decodes the gene's tile ids into a span.
func (g Gene) Span() (spatial.Span, error) {
	start, err := tileid.ParseDecode(g.StartTile)
	if err != nil {
		return spatial.Span{}, fmt.Errorf("gene %s start: %w", g.Name, err)
	}
	end, err := tileid.ParseDecode(g.EndTile)
	if err != nil {
		return spatial.Span{}, fmt.Errorf("gene %s end: %w", g.Name, err)
	}
	return spatial.Span{
		ID:        g.Name,
		StartPath: start.Path,
		StartStep: start.Step,
		EndPath:   end.Path,
		EndStep:   end.Step,
	}, nil
}

// Item builds the placement item for the gene, including its tooltip label.
func (g Gene) Item() (placement.Item, error) {
	span, err := g.Span()
	if err != nil {
		return placement.Item{}, err
	}
	links := g.Links()
	label := g.Name
	switch {
	case len(links) > 1:
		label += " has GeneReview articles associated with it. Click to visit all of them."
	case len(links) == 1:
		label += " has a GeneReview article associated with it. Click to visit."
	}
	return placement.Item{Span: span, Label: label, Links: links}, nil
}

// ReadSupertiles parses a supertile CSV with a name,num header.
func ReadSupertiles(r io.Reader) ([]Supertile, error) {
	var rows []Supertile
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse supertiles: %w", err)
	}
	return rows, nil
}

// ReadGenes parses a gene CSV with a gene,start_tile,end_tile[,urls][,groups] header.
func ReadGenes(r io.Reader) ([]Gene, error) {
	var rows []Gene
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse genes: %w", err)
	}
	return rows, nil
}

// ParseGeneList parses the compact "gene,start,end;gene,start,end" form served
// for bulk loads. Whitespace is ignored and empty entries are skipped.
func ParseGeneList(s string) ([]Gene, error) {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)

	var out []Gene
	for i, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ",")
		if len(parts) < 3 {
			return nil, fmt.Errorf("gene list entry %d (%q): expected gene,start,end", i, entry)
		}
		out = append(out, Gene{Name: parts[0], StartTile: parts[1], EndTile: parts[2]})
	}
	return out, nil
}

// FormatGeneList is the inverse of ParseGeneList.
func FormatGeneList(genes []Gene) string {
	var b strings.Builder
	for i, g := range genes {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(g.Name)
		b.WriteByte(',')
		b.WriteString(g.StartTile)
		b.WriteByte(',')
		b.WriteString(g.EndTile)
	}
	return b.String()
}

// SupertileItems places one overlay per supertile at the first step of the
// path with the same index.
func SupertileItems(rows []Supertile) []placement.Item {
	items := make([]placement.Item, 0, len(rows))
	for i, st := range rows {
		id := strings.ReplaceAll(st.Name, ".", "")
		items = append(items, placement.Item{
			Span:  spatial.Span{ID: id, StartPath: i, StartStep: 0, EndPath: i, EndStep: 0},
			Label: "Supertile " + st.Name + " has " + strconv.Itoa(st.Num) + " tiles",
		})
	}
	return items
}

// LoadSupertiles reads a supertile CSV from disk.
func LoadSupertiles(path string) ([]Supertile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open supertiles %s: %w", path, err)
	}
	defer f.Close()
	return ReadSupertiles(f)
}

// LoadGenes reads a gene CSV from disk.
func LoadGenes(path string) ([]Gene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open genes %s: %w", path, err)
	}
	defer f.Close()
	return ReadGenes(f)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
