package proto

import "deltatabs/wire"

func u32Frame(op byte, v uint32) []byte {
	w := wire.NewWriter(5)
	w.U8(op)
	w.U32(v)
	return w.Bytes()
}

// Handshake returns the two plain frames that open a session.
func Handshake(protocolVersion, clientVersion uint32) [][]byte {
	return [][]byte{
		u32Frame(OutProtocol, protocolVersion),
		u32Frame(OutClientVersion, clientVersion),
	}
}

// Action is a single byte command: spectate, split, free spectate or feed.
func Action(op byte) []byte { return []byte{op} }

// Spawn carries the nick and an optional proof token, each NUL-terminated.
func Spawn(nick, token string) []byte {
	w := wire.NewWriter(len(nick) + len(token) + 3)
	w.U8(OutSpawn)
	w.ZString(nick)
	if token != "" {
		w.ZString(token)
	}
	return w.Bytes()
}

func Position(x, y int32, key uint32) []byte {
	w := wire.NewWriter(13)
	w.U8(OutPosition)
	w.I32(x)
	w.I32(y)
	w.U32(key)
	return w.Bytes()
}

func Pong(v uint16) []byte {
	w := wire.NewWriter(3)
	w.U8(OutPong)
	w.U16(v)
	return w.Bytes()
}

func CaptchaAnswer(token string) []byte {
	w := wire.NewWriter(len(token) + 2)
	w.U8(OutCaptchaAnswer)
	w.ZString(token)
	return w.Bytes()
}

// Login kinds.
const (
	LoginFacebook = 2
	LoginGoogle   = 4
)

// Login builds the nested length-delimited login frame.
func Login(token, clientVersion string, kind byte) []byte {
	tl, cl := len(token), len(clientVersion)
	w := wire.NewWriter(tl + cl + 40)
	w.Raw(OutLogin, 8, 1, 18)
	w.VarUint(uint32(tl + cl + 23))
	w.Raw(8, 10, 82)
	w.VarUint(uint32(tl + cl + 18))
	w.Raw(8, kind, 18, byte(cl+8), 8, 5, 18, byte(cl))
	w.Raw([]byte(clientVersion)...)
	w.Raw(24, 0, 32, 0, 26)
	w.VarUint(uint32(tl + 3))
	w.Raw(10)
	w.VarUint(uint32(tl))
	w.Raw([]byte(token)...)
	return w.Bytes()
}

// Builders for the frames the server sends. They exist for replay tooling
// and tests and mirror the decoders byte for byte.

func EncodeWorldUpdate(u WorldUpdate) []byte {
	w := wire.NewWriter(64)
	w.U8(OpWorldUpdate)
	w.U16(uint16(len(u.Eaten)))
	for _, e := range u.Eaten {
		w.U32(e.Eater)
		w.U32(e.Victim)
	}
	for _, c := range u.Cells {
		w.U32(c.ID)
		w.I32(c.X)
		w.I32(c.Y)
		w.U16(c.R)
		var f, f2 byte
		if c.Flags.Virus {
			f |= 0x01
		}
		if c.Color != nil {
			f |= 0x02
		}
		if c.Skin != "" {
			f |= 0x04
		}
		if c.Name != "" {
			f |= 0x08
		}
		if c.Flags.Food {
			f2 |= 0x01
		}
		if c.AccountID != 0 {
			f2 |= 0x04
		}
		if f2 != 0 || c.Flags.HasExt {
			f |= 0x80
		}
		w.U8(f)
		if f&0x80 != 0 {
			w.U8(f2)
		}
		if c.Color != nil {
			w.Raw(c.Color.R, c.Color.G, c.Color.B)
		}
		if c.Skin != "" {
			w.String(c.Skin)
		}
		if c.Name != "" {
			w.String(c.Name)
		}
		if c.AccountID != 0 {
			w.U32(c.AccountID)
		}
	}
	w.U32(0)
	w.U16(uint16(len(u.OutOfView)))
	for _, id := range u.OutOfView {
		w.U32(id)
	}
	return w.Bytes()
}

func EncodeMapOffsets(m MapOffsets) []byte {
	w := wire.NewWriter(33)
	w.U8(OpMapOffset)
	w.F64(m.MinX)
	w.F64(m.MinY)
	w.F64(m.MaxX)
	w.F64(m.MaxY)
	return w.Bytes()
}

// Compressed wraps an embedded frame in a compressed envelope.
func Compressed(inner []byte) ([]byte, error) {
	packed, err := wire.Compress(inner)
	if err != nil {
		return nil, err
	}
	return append([]byte{OpCompressed}, packed...), nil
}

func KeySeed(key uint32, extra []byte) []byte {
	return append(u32Frame(OpKeySeed, key), extra...)
}

func EncodeLeaderboard(entries []LeaderEntry) []byte {
	w := wire.NewWriter(16 * len(entries))
	w.U8(OpLeaderboard)
	for _, e := range entries {
		f := byte(0x01)
		if e.Nick != "" && e.Nick != UnnamedCell {
			f |= 0x02
		}
		if e.AccountID != 0 {
			f |= 0x04
		}
		if e.Me {
			f |= 0x08
		}
		if e.Friend {
			f |= 0x10
		}
		w.U8(f)
		w.U16(uint16(e.Position))
		if f&0x02 != 0 {
			w.String(e.Nick)
		}
		if f&0x04 != 0 {
			w.U32(e.AccountID)
		}
	}
	return w.Bytes()
}
