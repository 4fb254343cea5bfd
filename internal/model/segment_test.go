package model

import "testing"

func TestParseSegment(t *testing.T) {
	cases := map[string]Segment{
		"NSEFO":  NSEFO,
		"nse_cm": NSECM,
		" bsefo": BSEFO,
		"BSE_CM": BSECM,
	}
	for in, want := range cases {
		got, err := ParseSegment(in)
		if err != nil {
			t.Fatalf("ParseSegment(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseSegment(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseSegment("MCX"); err == nil {
		t.Error("expected error for MCX")
	}
}

func TestKey_RoundTrip(t *testing.T) {
	k := MakeKey(NSEFO, 35001)
	if k.Segment() != NSEFO || k.Token() != 35001 {
		t.Fatalf("got %v/%d", k.Segment(), k.Token())
	}
	if k.String() != "NSEFO:35001" {
		t.Errorf("String() = %q", k.String())
	}
	if MakeKey(NSECM, 100) == MakeKey(BSECM, 100) {
		t.Error("keys for the same token in different segments must differ")
	}
}

func TestFields_Has(t *testing.T) {
	m := FieldLTP | FieldVolume
	if !m.Has(FieldLTP) || !m.Has(FieldLTP|FieldVolume) {
		t.Error("expected mask to carry LTP and volume")
	}
	if m.Has(FieldDepth) {
		t.Error("mask should not carry depth")
	}
}

func TestParseCategory(t *testing.T) {
	for c := CategoryTouchline; c < NumCategories; c++ {
		got, err := ParseCategory(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCategory(%q) = %v, %v", c.String(), got, err)
		}
	}
}
