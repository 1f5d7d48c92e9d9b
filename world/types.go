package world

import (
	"cmp"
	"fmt"

	"deltatabs/interp"
)

type RoleKind uint8

const (
	Primary RoleKind = iota
	Secondary
	TopRank
	Tiled
)

// TileCount is the number of tiled spectator roles.
const TileCount = 15

// Role names one connection's namespace. Index is only meaningful for Tiled.
type Role struct {
	Kind  RoleKind
	Index int
}

func Tile(i int) Role { return Role{Kind: Tiled, Index: i} }

var (
	RolePrimary   = Role{Kind: Primary}
	RoleSecondary = Role{Kind: Secondary}
	RoleTopRank   = Role{Kind: TopRank}
)

func (r Role) String() string {
	switch r.Kind {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	case TopRank:
		return "toprank"
	case Tiled:
		return fmt.Sprintf("tile-%d", r.Index)
	}
	return fmt.Sprintf("role(%d)", r.Kind)
}

// Player reports whether the role controls a player rather than spectating.
func (r Role) Player() bool { return r.Kind == Primary || r.Kind == Secondary }

func compareRoles(a, b Role) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}

type Kind uint8

const (
	PlayerCell Kind = iota
	Food
	Virus
)

func (k Kind) String() string {
	switch k {
	case Food:
		return "food"
	case Virus:
		return "virus"
	}
	return "cell"
}

func (k Kind) Class() interp.Class {
	switch k {
	case Food:
		return interp.ClassFood
	case Virus:
		return interp.ClassVirus
	}
	return interp.ClassCell
}

type RGB struct {
	R, G, B uint8
}

func (c RGB) Hex() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

// Key addresses an entity. Ids are only unique within a role.
type Key struct {
	Role Role
	ID   uint32
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Role, k.ID) }

type Entity struct {
	Key
	Kind      Kind
	Target    interp.Target
	Shown     interp.State
	Color     *RGB
	Name      string
	Skin      string
	AccountID uint32
	Own       bool
	Team      bool
	Removal   interp.Removal
}

func (e Entity) clone() Entity {
	if e.Color != nil {
		c := *e.Color
		e.Color = &c
	}
	return e
}

// Upsert is one entity record from a world update, already shifted into
// the primary map's coordinates.
type Upsert struct {
	ID        uint32
	Kind      Kind
	Target    interp.Target
	Color     *RGB
	Name      string
	Skin      string
	AccountID uint32
}

type Eat struct {
	Eater, Victim uint32
}

// Delta is the entity change set carried by one world update.
type Delta struct {
	Eaten     []Eat
	Upserts   []Upsert
	OutOfView []uint32
}

// TeamLink pairs a primary and a secondary cell that render the same
// player. It never aliases the entities themselves.
type TeamLink struct {
	Primary   Key
	Secondary Key
}

type EventType uint8

const (
	Created EventType = iota
	Deleted
)

type Event struct {
	Type EventType
	Key  Key
	Kind Kind
}

// Identity is a team member as seen by the team roster.
type Identity struct {
	Name  string
	Color string // "#rrggbb", empty matches any colour
}
