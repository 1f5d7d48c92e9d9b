package proto

import (
	"fmt"
	"math"
	"strings"
	"time"

	"deltatabs/interp"
	"deltatabs/wire"
	"deltatabs/world"
)

type Viewport struct {
	X, Y, Scale float32
}

func DecodeViewport(b []byte) (Viewport, error) {
	r := wire.NewReader(b)
	v := Viewport{X: r.F32(), Y: r.F32(), Scale: r.F32()}
	return v, wrap("viewport", r.Err())
}

// MapOffsets are the map bounds a server reports in its own coordinates.
type MapOffsets struct {
	MinX, MinY, MaxX, MaxY float64
}

func (m MapOffsets) Width() float64  { return m.MaxX - m.MinX }
func (m MapOffsets) Height() float64 { return m.MaxY - m.MinY }
func (m MapOffsets) Known() bool     { return m.Width() > 0 && m.Height() > 0 }

// ShiftTo returns the offset that moves coordinates of m into the
// coordinate space of ref.
func (m MapOffsets) ShiftTo(ref MapOffsets) (dx, dy float64) {
	return ref.MinX - m.MinX, ref.MinY - m.MinY
}

func DecodeMapOffsets(b []byte) (MapOffsets, error) {
	r := wire.NewReader(b)
	m := MapOffsets{MinX: r.F64(), MinY: r.F64(), MaxX: r.F64(), MaxY: r.F64()}
	return m, wrap("map offset", r.Err())
}

// CellFlags is the decoded pair of flag bytes of an entity record.
type CellFlags struct {
	Virus    bool
	HasColor bool
	HasSkin  bool
	HasName  bool
	HasExt   bool

	// from the optional second byte; false when it is absent
	Food       bool
	HasAccount bool
}

func decodeCellFlags(b byte) CellFlags {
	return CellFlags{
		Virus:    b&0x01 != 0,
		HasColor: b&0x02 != 0,
		HasSkin:  b&0x04 != 0,
		HasName:  b&0x08 != 0,
		HasExt:   b&0x80 != 0,
	}
}

func (f *CellFlags) decodeExt(b byte) {
	f.Food = b&0x01 != 0
	f.HasAccount = b&0x04 != 0
}

// Kind resolves the entity kind. Food wins over virus.
func (f CellFlags) Kind() world.Kind {
	switch {
	case f.Food:
		return world.Food
	case f.Virus:
		return world.Virus
	}
	return world.PlayerCell
}

type CellRecord struct {
	ID        uint32
	X, Y      int32
	R         uint16
	Flags     CellFlags
	Color     *world.RGB
	Skin      string
	Name      string
	AccountID uint32
}

// Upsert converts the record, shifting it by (dx, dy).
func (c CellRecord) Upsert(dx, dy float64) world.Upsert {
	return world.Upsert{
		ID:        c.ID,
		Kind:      c.Flags.Kind(),
		Target:    interp.Target{X: float64(c.X) + dx, Y: float64(c.Y) + dy, R: float64(c.R)},
		Color:     c.Color,
		Name:      c.Name,
		Skin:      c.Skin,
		AccountID: c.AccountID,
	}
}

type WorldUpdate struct {
	Eaten     []world.Eat
	Cells     []CellRecord
	OutOfView []uint32
}

func (u WorldUpdate) Delta(dx, dy float64) world.Delta {
	d := world.Delta{Eaten: u.Eaten, OutOfView: u.OutOfView}
	d.Upserts = make([]world.Upsert, len(u.Cells))
	for i, c := range u.Cells {
		d.Upserts[i] = c.Upsert(dx, dy)
	}
	return d
}

// normalizeSkin maps a skin reference to the asset name.
func normalizeSkin(s string) string {
	if strings.Contains(s, "custom") {
		return strings.Replace(s, "%custom", "skin_custom", 1)
	}
	return strings.Replace(s, "%", "", 1)
}

func DecodeWorldUpdate(b []byte) (WorldUpdate, error) {
	r := wire.NewReader(b)
	var u WorldUpdate

	n := int(r.U16())
	if r.Err() == nil && n > r.Len()/8 {
		return u, wrap("world update", fmt.Errorf("%w: %d eaten records", wire.ErrTruncated, n))
	}
	u.Eaten = make([]world.Eat, 0, n)
	for i := 0; i < n; i++ {
		u.Eaten = append(u.Eaten, world.Eat{Eater: r.U32(), Victim: r.U32()})
	}

	for r.Err() == nil {
		id := r.U32()
		if id == 0 {
			break
		}
		c := CellRecord{ID: id, X: r.I32(), Y: r.I32(), R: r.U16()}
		c.Flags = decodeCellFlags(r.U8())
		if c.Flags.HasExt {
			c.Flags.decodeExt(r.U8())
		}
		if c.Flags.HasColor {
			c.Color = &world.RGB{R: r.U8(), G: r.U8(), B: r.U8()}
		}
		if c.Flags.HasSkin {
			c.Skin = normalizeSkin(r.String())
		}
		if c.Flags.HasName {
			c.Name = r.String()
		}
		if c.Flags.HasAccount {
			c.AccountID = r.U32()
		}
		if r.Err() == nil {
			u.Cells = append(u.Cells, c)
		}
	}

	n = int(r.U16())
	if r.Err() == nil && n > r.Len()/4 {
		return u, wrap("world update", fmt.Errorf("%w: %d removals", wire.ErrTruncated, n))
	}
	for i := 0; i < n; i++ {
		u.OutOfView = append(u.OutOfView, r.U32())
	}
	return u, wrap("world update", r.Err())
}

// UnnamedCell is shown for leaderboard entries without a nick.
const UnnamedCell = "An unnamed cell"

type LeaderEntry struct {
	Position  int
	Nick      string
	AccountID uint32
	Me        bool
	Friend    bool
}

func DecodeLeaderboard(b []byte) ([]LeaderEntry, error) {
	r := wire.NewReader(b)
	var out []LeaderEntry
	pos := 0
	for !r.EOF() && r.Err() == nil {
		pos++
		flags := r.U8()
		e := LeaderEntry{Nick: UnnamedCell}
		if flags&0x01 != 0 {
			pos = int(r.U16())
		}
		if flags&0x02 != 0 {
			if nick := r.String(); nick != "" {
				e.Nick = nick
			}
		}
		if flags&0x04 != 0 {
			e.AccountID = r.U32()
		}
		e.Me = flags&0x08 != 0
		e.Friend = flags&0x10 != 0
		e.Position = pos
		if r.Err() == nil {
			out = append(out, e)
		}
	}
	return out, wrap("leaderboard", r.Err())
}

type Ghost struct {
	X, Y int32
	Mass uint32
	Size int
}

func DecodeGhosts(b []byte) ([]Ghost, error) {
	r := wire.NewReader(b)
	n := int(r.U16())
	if r.Err() == nil && n > r.Len()/13 {
		return nil, wrap("ghost cells", fmt.Errorf("%w: %d ghosts", wire.ErrTruncated, n))
	}
	out := make([]Ghost, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		g := Ghost{X: r.I32(), Y: r.I32(), Mass: r.U32()}
		g.Size = int(math.Sqrt(100 * float64(g.Mass)))
		r.Skip(1)
		out = append(out, g)
	}
	return out, wrap("ghost cells", r.Err())
}

// DecodeKeySeed returns the protocol key and the bytes that follow it,
// which seed the client key.
func DecodeKeySeed(b []byte) (uint32, []byte, error) {
	r := wire.NewReader(b)
	k := r.U32()
	if r.Err() != nil {
		return 0, nil, wrap("key seed", r.Err())
	}
	return k, r.Rest(), nil
}

func DecodeServerTime(b []byte) (time.Time, error) {
	r := wire.NewReader(b)
	s := r.U32()
	return time.Unix(int64(s), 0), wrap("server time", r.Err())
}

func DecodePing(b []byte) (uint16, error) {
	r := wire.NewReader(b)
	v := r.U16()
	return v, wrap("ping", r.Err())
}

// DecodeID reads the single u32 carried by self-id and own-cell frames.
func DecodeID(b []byte) (uint32, error) {
	r := wire.NewReader(b)
	v := r.U32()
	return v, wrap("id", r.Err())
}

// TeamPlayer is one team member as pushed by the team roster.
type TeamPlayer struct {
	ID    uint32
	Nick  string
	Skin  string
	Color string
	X, Y  int32
	Mass  uint32
	Alive bool

	Updated time.Time
}

func DecodeTeamRoster(b []byte) (TeamPlayer, error) {
	r := wire.NewReader(b)
	p := TeamPlayer{ID: r.U32(), Nick: r.String(), Skin: r.String(), Color: r.String()}
	return p, wrap("team roster", r.Err())
}

type TeamPosition struct {
	ID   uint32
	X, Y int32
	Mass uint32
}

func DecodeTeamPosition(b []byte) (TeamPosition, error) {
	r := wire.NewReader(b)
	p := TeamPosition{ID: r.U32(), X: r.I32(), Y: r.I32(), Mass: r.U32()}
	return p, wrap("team position", r.Err())
}

type ChatMessage struct {
	Kind   uint8
	Author string
	Text   string
}

func DecodeChat(b []byte) (ChatMessage, error) {
	r := wire.NewReader(b)
	m := ChatMessage{Kind: r.U8(), Author: r.String(), Text: r.String()}
	return m, wrap("chat", r.Err())
}

// DecodeCaptcha returns the challenge's site key, which may be empty.
func DecodeCaptcha(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	r := wire.NewReader(b)
	s := r.String()
	return s, wrap("captcha", r.Err())
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("decode %s: %w", what, err)
}
