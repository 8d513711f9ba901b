package snaptype

import "testing"

func TestFilenameRoundTrip(t *testing.T) {
	for _, seg := range []Segment{Headers, Transactions, Receipts} {
		r := BlockRange{Lo: 500_000, Hi: 999_999}
		name := seg.Filename(r)
		gotSeg, gotRange, ok := ParseFilename(name)
		if !ok {
			t.Fatalf("ParseFilename(%q) failed to parse", name)
		}
		if gotSeg != seg || gotRange != r {
			t.Fatalf("round trip mismatch: got (%v,%v), want (%v,%v)", gotSeg, gotRange, seg, r)
		}
	}
}

func TestParseFilenameIgnoresGarbage(t *testing.T) {
	for _, name := range []string{"LOCK", "README.md", "headers_abc_def", "headers_10", "bogus_0_1"} {
		if _, _, ok := ParseFilename(name); ok {
			t.Fatalf("ParseFilename(%q) unexpectedly succeeded", name)
		}
	}
}

func TestFindFixedRange(t *testing.T) {
	cases := []struct {
		block uint64
		want  BlockRange
	}{
		{0, BlockRange{0, 499_999}},
		{1, BlockRange{0, 499_999}},
		{499_999, BlockRange{0, 499_999}},
		{500_000, BlockRange{500_000, 999_999}},
		{1_000_001, BlockRange{1_000_000, 1_499_999}},
	}
	for _, c := range cases {
		if got := FindFixedRange(BlocksPerSnapshot, c.block); got != c.want {
			t.Errorf("FindFixedRange(%d) = %v, want %v", c.block, got, c.want)
		}
	}
}
