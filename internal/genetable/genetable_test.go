package genetable

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/slippy-genome/server/internal/tileid"
)

func TestReadSupertiles(t *testing.T) {
	rows, err := ReadSupertiles(strings.NewReader("name,num\n2c5.00,120\n2c6.00,7\n"))
	if err != nil {
		t.Fatalf("ReadSupertiles: %v", err)
	}
	if len(rows) != 2 || rows[0].Name != "2c5.00" || rows[1].Num != 7 {
		t.Fatalf("unexpected rows %+v", rows)
	}

	items := SupertileItems(rows)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "2c500" || items[1].StartPath != 1 || items[1].StartStep != 0 {
		t.Fatalf("unexpected items %+v", items)
	}
	if items[0].Label != "Supertile 2c5.00 has 120 tiles" {
		t.Fatalf("label = %q", items[0].Label)
	}
}

func TestGeneItem(t *testing.T) {
	start := tileid.Encode(tileid.Coord{Path: 0x2c5, Version: 0, Step: 0x10})
	end := tileid.Encode(tileid.Coord{Path: 0x2c5, Version: 0, Step: 0x1f})
	csv := "gene,start_tile,end_tile,urls,groups\n" +
		"BRCA1," + itoa(start) + "," + itoa(end) + ",http://a|http://b,cancer|review\n" +
		"TP53," + itoa(start) + "," + itoa(end) + ",http://c,\n" +
		"ACTB," + itoa(start) + "," + itoa(end) + ",,\n"

	genes, err := ReadGenes(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ReadGenes: %v", err)
	}
	if len(genes) != 3 {
		t.Fatalf("expected 3 genes, got %d", len(genes))
	}
	if g := genes[0].GroupNames(); len(g) != 2 || g[1] != "review" {
		t.Fatalf("groups = %v", g)
	}

	item, err := genes[0].Item()
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if item.StartPath != 0x2c5 || item.StartStep != 0x10 || item.EndStep != 0x1f {
		t.Fatalf("unexpected span %+v", item.Span)
	}
	if len(item.Links) != 2 || !strings.HasSuffix(item.Label, "Click to visit all of them.") {
		t.Fatalf("unexpected item %+v", item)
	}

	single, _ := genes[1].Item()
	if !strings.HasSuffix(single.Label, "has a GeneReview article associated with it. Click to visit.") {
		t.Fatalf("label = %q", single.Label)
	}
	bare, _ := genes[2].Item()
	if bare.Label != "ACTB" || len(bare.Links) != 0 {
		t.Fatalf("unexpected bare item %+v", bare)
	}
}

func TestGeneItem_MalformedTile(t *testing.T) {
	_, err := Gene{Name: "X", StartTile: "oops", EndTile: "1"}.Item()
	if !errors.Is(err, tileid.ErrMalformedTileID) {
		t.Fatalf("expected ErrMalformedTileID, got %v", err)
	}
}

func TestParseGeneList(t *testing.T) {
	genes, err := ParseGeneList(" BRCA1,10,20;\nTP53, 30 ,40 ;;")
	if err != nil {
		t.Fatalf("ParseGeneList: %v", err)
	}
	if len(genes) != 2 || genes[1].Name != "TP53" || genes[1].StartTile != "30" {
		t.Fatalf("unexpected genes %+v", genes)
	}
	if got := FormatGeneList(genes); got != "BRCA1,10,20;TP53,30,40" {
		t.Fatalf("FormatGeneList = %q", got)
	}

	if _, err := ParseGeneList("BRCA1,10"); err == nil {
		t.Fatal("expected error for short entry")
	}
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
