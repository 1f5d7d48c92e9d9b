package netstats

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCountersAndSummary(t *testing.T) {
	s := New("")
	s.Frame("primary", 1500)
	s.Frame("primary", 500)
	s.Sent("primary", 13)
	s.DecompressFailed("primary")
	s.Connect("tile-3", false)
	s.Connect("tile-3", true)

	c := s.Get("primary")
	if c.Frames != 2 || c.Bytes != 2000 || c.Dropped != 1 || c.Decompress != 1 {
		t.Fatalf("primary = %+v", c)
	}
	sum := s.Summary()
	if !strings.Contains(sum, "2.0 kB") {
		t.Fatalf("summary missing humanized bytes:\n%s", sum)
	}
	if strings.Index(sum, "primary") > strings.Index(sum, "tile-3") {
		t.Fatalf("summary not sorted:\n%s", sum)
	}
	if !strings.Contains(sum, "connects 1/2") {
		t.Fatalf("summary connects:\n%s", sum)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	s.Frame("toprank", 10)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again := New(path)
	if err := again.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.Get("toprank").Bytes != 10 {
		t.Fatalf("loaded %+v", again.Get("toprank"))
	}
}

func TestNilStatsIgnored(t *testing.T) {
	var s *Stats
	s.Frame("primary", 1)
}
