// Package world is the role-partitioned entity table fed by the tab
// connections. Each role owns a partition with its own lock, and nothing
// locks two partitions at once.
package world

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"deltatabs/interp"
)

type partition struct {
	mu       sync.Mutex
	entities map[uint32]*Entity
	own      map[uint32]struct{}
}

func newPartition() *partition {
	return &partition{
		entities: make(map[uint32]*Entity),
		own:      make(map[uint32]struct{}),
	}
}

type Model struct {
	mu    sync.RWMutex
	parts map[Role]*partition

	linkMu sync.Mutex
	links  []TeamLink

	subMu sync.Mutex
	subs  []func(Event)
}

func New() *Model {
	return &Model{parts: make(map[Role]*partition)}
}

func (m *Model) part(r Role, create bool) *partition {
	m.mu.RLock()
	p := m.parts[r]
	m.mu.RUnlock()
	if p != nil || !create {
		return p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p = m.parts[r]; p == nil {
		p = newPartition()
		m.parts[r] = p
	}
	return p
}

func (m *Model) roles() []Role {
	m.mu.RLock()
	out := make([]Role, 0, len(m.parts))
	for r := range m.parts {
		out = append(out, r)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, compareRoles)
	return out
}

// Subscribe registers fn for entity creation and deletion. fn runs on the
// goroutine that caused the change, after partition locks are released.
func (m *Model) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

func (m *Model) notify(evs []Event) {
	if len(evs) == 0 {
		return
	}
	m.subMu.Lock()
	subs := slices.Clone(m.subs)
	m.subMu.Unlock()
	for _, ev := range evs {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Upsert creates an unseen entity resting on its target, or retargets an
// existing one. A decaying entity is revived from where it is displayed.
func (m *Model) Upsert(r Role, u Upsert) {
	p := m.part(r, true)
	p.mu.Lock()
	created := p.upsert(r, u)
	p.mu.Unlock()
	if created {
		m.notify([]Event{{Type: Created, Key: Key{Role: r, ID: u.ID}, Kind: u.Kind}})
	}
}

func (p *partition) upsert(r Role, u Upsert) bool {
	if e, ok := p.entities[u.ID]; ok {
		e.Kind = u.Kind
		e.Target = u.Target
		if u.Color != nil {
			c := *u.Color
			e.Color = &c
		}
		if u.Name != "" {
			e.Name = u.Name
		}
		if u.Skin != "" {
			e.Skin = u.Skin
		}
		if u.AccountID != 0 {
			e.AccountID = u.AccountID
		}
		e.Removal = interp.None
		return false
	}
	e := &Entity{
		Key:       Key{Role: r, ID: u.ID},
		Kind:      u.Kind,
		Target:    u.Target,
		Shown:     interp.Cold(u.Target),
		Name:      u.Name,
		Skin:      u.Skin,
		AccountID: u.AccountID,
	}
	if u.Color != nil {
		c := *u.Color
		e.Color = &c
	}
	_, e.Own = p.own[u.ID]
	p.entities[u.ID] = e
	return true
}

// MarkRemoved starts the removal decay of an entity. The entity stays in
// the table until Advance reports the decay complete. A consumed entity
// is not downgraded to leaving-view.
func (m *Model) MarkRemoved(r Role, id uint32, mode interp.Removal) bool {
	p := m.part(r, false)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.markRemoved(id, mode)
}

func (p *partition) markRemoved(id uint32, mode interp.Removal) bool {
	e, ok := p.entities[id]
	if !ok || mode == interp.None {
		return false
	}
	if e.Removal == interp.Consumed || e.Removal == mode {
		return true
	}
	// A leaving-view fade upgraded to consumed soaks from its current alpha.
	e.Shown.BeginRemoval()
	e.Removal = mode
	return true
}

// eaten consumes victim and pulls it toward the eater when the eater is
// known in the same partition.
func (p *partition) eaten(ev Eat) {
	if !p.markRemoved(ev.Victim, interp.Consumed) {
		return
	}
	if eater, ok := p.entities[ev.Eater]; ok {
		v := p.entities[ev.Victim]
		v.Target.X = eater.Target.X
		v.Target.Y = eater.Target.Y
	}
}

// Apply runs a world update: eaten records, then upserts, then
// out-of-view removals.
func (m *Model) Apply(r Role, d Delta) {
	p := m.part(r, true)
	var evs []Event
	p.mu.Lock()
	for _, ev := range d.Eaten {
		p.eaten(ev)
	}
	for _, u := range d.Upserts {
		if p.upsert(r, u) {
			evs = append(evs, Event{Type: Created, Key: Key{Role: r, ID: u.ID}, Kind: u.Kind})
		}
	}
	for _, id := range d.OutOfView {
		p.markRemoved(id, interp.LeavingView)
	}
	p.mu.Unlock()
	m.notify(evs)
}

// AddOwnCell records id as controlled by the role's player.
func (m *Model) AddOwnCell(r Role, id uint32) {
	p := m.part(r, true)
	p.mu.Lock()
	p.own[id] = struct{}{}
	if e, ok := p.entities[id]; ok {
		e.Own = true
	}
	p.mu.Unlock()
}

// OwnCells returns the role's own cell ids that are still present.
func (m *Model) OwnCells(r Role) []uint32 {
	p := m.part(r, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, len(p.own))
	for id := range p.own {
		if e, ok := p.entities[id]; ok && e.Removal == interp.None {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Alive reports whether the role's player has a live cell.
func (m *Model) Alive(r Role) bool { return len(m.OwnCells(r)) > 0 }

// Center is the size weighted centre of the role's own cells.
func (m *Model) Center(r Role) (x, y float64, ok bool) {
	p := m.part(r, false)
	if p == nil {
		return 0, 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var sx, sy, sw float64
	for id := range p.own {
		e, ok := p.entities[id]
		if !ok || e.Removal != interp.None {
			continue
		}
		w := e.Target.R
		if w <= 0 {
			w = 1
		}
		sx += e.Target.X * w
		sy += e.Target.Y * w
		sw += w
	}
	if sw == 0 {
		return 0, 0, false
	}
	return sx / sw, sy / sw, true
}

// ClearRole drops every entity and link of a role.
func (m *Model) ClearRole(r Role) {
	m.mu.Lock()
	p := m.parts[r]
	delete(m.parts, r)
	m.mu.Unlock()

	var evs []Event
	if p != nil {
		p.mu.Lock()
		for id, e := range p.entities {
			evs = append(evs, Event{Type: Deleted, Key: Key{Role: r, ID: id}, Kind: e.Kind})
		}
		p.entities = make(map[uint32]*Entity)
		p.own = make(map[uint32]struct{})
		p.mu.Unlock()
	}

	m.linkMu.Lock()
	m.links = slices.DeleteFunc(m.links, func(l TeamLink) bool {
		return l.Primary.Role == r || l.Secondary.Role == r
	})
	m.linkMu.Unlock()

	m.notify(evs)
}

// Advance steps every entity by dt and deletes those whose removal
// finished.
func (m *Model) Advance(dt time.Duration, eng *interp.Engine) {
	var evs []Event
	for _, r := range m.roles() {
		p := m.part(r, false)
		if p == nil {
			continue
		}
		p.mu.Lock()
		for id, e := range p.entities {
			if eng.Step(&e.Shown, e.Target, e.Removal, e.Kind.Class(), dt) {
				delete(p.entities, id)
				delete(p.own, id)
				evs = append(evs, Event{Type: Deleted, Key: e.Key, Kind: e.Kind})
			}
		}
		p.mu.Unlock()
	}
	m.notify(evs)
}

func (m *Model) Get(k Key) (Entity, bool) {
	p := m.part(k.Role, false)
	if p == nil {
		return Entity{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entities[k.ID]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

func (m *Model) Count(r Role) int {
	p := m.part(r, false)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entities)
}

// SnapshotRole copies one partition, ordered by id.
func (m *Model) SnapshotRole(r Role) []Entity {
	p := m.part(r, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	out := make([]Entity, 0, len(p.entities))
	for _, e := range p.entities {
		out = append(out, e.clone())
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Snapshot copies every partition, ordered by role then id.
func (m *Model) Snapshot() []Entity {
	var out []Entity
	for _, r := range m.roles() {
		out = append(out, m.SnapshotRole(r)...)
	}
	return out
}
