package world

import (
	"cmp"
	"slices"

	"deltatabs/interp"
)

type identity struct {
	name, color string
}

// playerCells copies the live, named player cells of a role.
func (m *Model) playerCells(r Role) []Entity {
	p := m.part(r, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Entity
	for _, e := range p.entities {
		if e.Kind != PlayerCell || e.Removal != interp.None || e.Name == "" || e.Color == nil {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// LinkTeams recomputes the primary/secondary links from copies of both
// partitions. The result replaces the previous link set.
func (m *Model) LinkTeams() []TeamLink {
	prim := m.playerCells(RolePrimary)
	sec := m.playerCells(RoleSecondary)

	bySec := make(map[identity][]Key, len(sec))
	for _, e := range sec {
		id := identity{e.Name, e.Color.Hex()}
		bySec[id] = append(bySec[id], e.Key)
	}
	var links []TeamLink
	for _, e := range prim {
		for _, k := range bySec[identity{e.Name, e.Color.Hex()}] {
			links = append(links, TeamLink{Primary: e.Key, Secondary: k})
		}
	}
	slices.SortFunc(links, func(a, b TeamLink) int {
		if c := cmp.Compare(a.Primary.ID, b.Primary.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.Secondary.ID, b.Secondary.ID)
	})

	m.linkMu.Lock()
	m.links = links
	m.linkMu.Unlock()
	return slices.Clone(links)
}

func (m *Model) Links() []TeamLink {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()
	return slices.Clone(m.links)
}

// Linked reports whether k takes part in a team link.
func (m *Model) Linked(k Key) bool {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()
	for _, l := range m.links {
		if l.Primary == k || l.Secondary == k {
			return true
		}
	}
	return false
}

// MarkTeam flags player cells in every partition that belong to one of the
// given team members and clears the flag on the rest.
func (m *Model) MarkTeam(members []Identity) {
	for _, r := range m.roles() {
		p := m.part(r, false)
		if p == nil {
			continue
		}
		p.mu.Lock()
		for _, e := range p.entities {
			e.Team = e.Kind == PlayerCell && !e.Own && matches(e, members)
		}
		p.mu.Unlock()
	}
}

func matches(e *Entity, members []Identity) bool {
	if e.Name == "" {
		return false
	}
	for _, id := range members {
		if id.Name != e.Name {
			continue
		}
		if id.Color == "" || (e.Color != nil && e.Color.Hex() == id.Color) {
			return true
		}
	}
	return false
}
