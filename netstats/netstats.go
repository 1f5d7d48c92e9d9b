// Package netstats counts traffic per tab role and persists the totals.
package netstats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

type Counters struct {
	Frames     uint64 `json:"frames"`
	Bytes      uint64 `json:"bytes"`
	Sent       uint64 `json:"sent"`
	SentBytes  uint64 `json:"sent_bytes"`
	Dropped    uint64 `json:"dropped"`
	Decompress uint64 `json:"decompress_failures"`
	Connects   uint64 `json:"connects"`
	Failures   uint64 `json:"connect_failures"`
}

type Stats struct {
	path string

	mu    sync.Mutex
	roles map[string]*Counters
	dirty bool
}

// New returns empty stats persisted at path. An empty path disables
// persistence.
func New(path string) *Stats {
	return &Stats{path: path, roles: make(map[string]*Counters)}
}

func (s *Stats) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	roles := make(map[string]*Counters)
	if err := json.Unmarshal(data, &roles); err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	s.mu.Lock()
	for k, v := range roles {
		if v != nil {
			s.roles[k] = v
		}
	}
	s.mu.Unlock()
	return nil
}

// Save writes the counters if anything changed since the last save.
func (s *Stats) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	data, err := json.MarshalIndent(s.roles, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

func (s *Stats) update(role string, fn func(c *Counters)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	c := s.roles[role]
	if c == nil {
		c = &Counters{}
		s.roles[role] = c
	}
	fn(c)
	s.dirty = true
	s.mu.Unlock()
}

func (s *Stats) Frame(role string, n int) {
	s.update(role, func(c *Counters) { c.Frames++; c.Bytes += uint64(n) })
}

func (s *Stats) Sent(role string, n int) {
	s.update(role, func(c *Counters) { c.Sent++; c.SentBytes += uint64(n) })
}

func (s *Stats) Dropped(role string) {
	s.update(role, func(c *Counters) { c.Dropped++ })
}

func (s *Stats) DecompressFailed(role string) {
	s.update(role, func(c *Counters) { c.Decompress++; c.Dropped++ })
}

func (s *Stats) Connect(role string, ok bool) {
	s.update(role, func(c *Counters) {
		if ok {
			c.Connects++
		} else {
			c.Failures++
		}
	})
}

func (s *Stats) Get(role string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.roles[role]; c != nil {
		return *c
	}
	return Counters{}
}

// Summary renders one line per role, sorted by role name.
func (s *Stats) Summary() string {
	s.mu.Lock()
	names := make([]string, 0, len(s.roles))
	for k := range s.roles {
		names = append(names, k)
	}
	slices.Sort(names)
	var b strings.Builder
	for _, k := range names {
		c := s.roles[k]
		fmt.Fprintf(&b, "%-10s in %s frames (%s), out %s (%s), dropped %s, connects %d/%d\n",
			k,
			humanize.Comma(int64(c.Frames)), humanize.Bytes(c.Bytes),
			humanize.Comma(int64(c.Sent)), humanize.Bytes(c.SentBytes),
			humanize.Comma(int64(c.Dropped)),
			c.Connects, c.Connects+c.Failures)
	}
	s.mu.Unlock()
	return b.String()
}
