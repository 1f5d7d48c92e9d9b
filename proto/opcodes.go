// Package proto decodes inbound game frames and builds outbound messages.
// It knows the byte layouts only; connection state lives in package tab.
package proto

// Inbound opcodes.
const (
	OpSelfID         = 0
	OpRefresh        = 1
	OpViewport       = 16
	OpViewportAlt    = 17
	OpFlush          = 18
	OpTeamRoster     = 20
	OpTeamPosition   = 30
	OpAddOwnCell     = 32
	OpLeaderboard    = 53
	OpLeaderboardAlt = 54
	OpGhostCells     = 69
	OpCaptcha        = 85
	OpChat           = 100
	OpLogin          = 102
	OpServerDeath    = 113
	OpSpectateFull   = 114
	OpOutdated       = 128
	OpPing           = 226
	OpKeySeed        = 241
	OpServerTime     = 242
	OpCompressed     = 255
)

// Opcodes found inside a compressed envelope.
const (
	OpWorldUpdate = 16
	OpMapOffset   = 64
)

// Outbound opcodes.
const (
	OutSpawn         = 0
	OutSpectate      = 1
	OutPosition      = 16
	OutSplit         = 17
	OutFreeSpectate  = 18
	OutFeed          = 21
	OutCaptchaAnswer = 86
	OutLogin         = 102
	OutPong          = 227
	OutProtocol      = 254
	OutClientVersion = 255
)

var opNames = map[byte]string{
	OpSelfID:         "self-id",
	OpRefresh:        "refresh",
	OpViewport:       "viewport",
	OpViewportAlt:    "viewport",
	OpFlush:          "flush",
	OpTeamRoster:     "team-roster",
	OpTeamPosition:   "team-position",
	OpAddOwnCell:     "own-cell",
	OpLeaderboard:    "leaderboard",
	OpLeaderboardAlt: "leaderboard",
	OpGhostCells:     "ghost-cells",
	OpCaptcha:        "captcha",
	OpChat:           "chat",
	OpLogin:          "login",
	OpServerDeath:    "server-death",
	OpSpectateFull:   "spectate-full",
	OpOutdated:       "outdated-client",
	OpPing:           "ping",
	OpKeySeed:        "key-seed",
	OpServerTime:     "server-time",
	OpCompressed:     "compressed",
}

// OpName names an inbound opcode for logs.
func OpName(op byte) string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return "unknown"
}
