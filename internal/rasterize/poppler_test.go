package rasterize

import (
	"testing"
)

func TestPageNumber(t *testing.T) {
	cases := []struct {
		path    string
		want    int
		wantErr bool
	}{
		{"/tmp/req/page-1.png", 1, false},
		{"/tmp/req/page-07.png", 7, false},
		{"/tmp/req/page-120.png", 120, false},
		{"/tmp/req/page.png", 0, true},
		{"/tmp/req/page-.png", 0, true},
		{"/tmp/req/page-0.png", 0, true},
		{"/tmp/req/page-abc.png", 0, true},
	}
	for _, tc := range cases {
		got, err := pageNumber(tc.path)
		if tc.wantErr {
			if err == nil {
				t.Errorf("pageNumber(%q): want error, got %d", tc.path, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("pageNumber(%q): %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("pageNumber(%q) = %d, want %d", tc.path, got, tc.want)
		}
	}
}

// pdftoppm's zero padding differs across versions, so ten-page documents can
// come back lexically shuffled (page-1, page-10, page-2). Ordering must be
// numeric.
func TestOrderPagesNumeric(t *testing.T) {
	paths := []string{
		"/tmp/req/page-1.png",
		"/tmp/req/page-10.png",
		"/tmp/req/page-2.png",
		"/tmp/req/page-3.png",
	}
	pages, err := orderPages(paths, 300)
	if err != nil {
		t.Fatalf("orderPages: %v", err)
	}
	want := []int{1, 2, 3, 10}
	for i, pg := range pages {
		if pg.PageNumber != want[i] {
			t.Errorf("position %d: page %d, want %d", i, pg.PageNumber, want[i])
		}
		if pg.DPI != 300 {
			t.Errorf("page %d DPI = %d, want 300", pg.PageNumber, pg.DPI)
		}
	}
}

func TestOrderPagesRejectsUnexpectedName(t *testing.T) {
	if _, err := orderPages([]string{"/tmp/req/stray.png"}, 300); err == nil {
		t.Error("want error for unexpected file name")
	}
}
