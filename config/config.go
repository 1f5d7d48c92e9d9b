// Package config holds the client settings file and its environment
// overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"deltatabs/interp"
)

const SETTINGS_VERSION = 3

// Spectator modes.
const (
	SpectateOff     = "Disabled"
	SpectateTopOne  = "Top one"
	SpectateFullMap = "Full map"
)

type Settings struct {
	Version int

	Region     string
	Mode       string
	Address    string // direct server address, skips discovery
	MasterURL  string
	Origin     string
	Nick       string
	SecondNick string

	ProtocolVersion int
	ClientVersion   string
	// BlakeRevision, when set, registers the BLAKE2b key schedule under
	// that protocol revision.
	BlakeRevision   int

	SpectatorMode string
	Multibox      bool

	Retries            int
	RetryDelayMS       int
	HandshakeTimeoutMS int
	FPS                int
	MapExtent          float64

	AnimationSpeed float64
	FadeSpeed      float64
	SoakSpeed      float64
	Transparency   float64

	Debug     bool
	LogDir    string
	StatsFile string
}

var Default = Settings{
	Version: SETTINGS_VERSION,

	Region:    "EU-London",
	Mode:      ":party",
	MasterURL: "https://webbouncer-live-v8-0.agario.miniclippt.com",
	Origin:    "https://agar.io",

	ProtocolVersion: 22,
	ClientVersion:   "3.10.9",

	SpectatorMode: SpectateOff,

	Retries:            3,
	RetryDelayMS:       1000,
	HandshakeTimeoutMS: 10000,
	FPS:                60,
	MapExtent:          14142,

	AnimationSpeed: 120,
	FadeSpeed:      150,
	SoakSpeed:      100,
	Transparency:   1,

	LogDir:    "logs",
	StatsFile: "stats.json",
}

func (s Settings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

func (s Settings) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutMS) * time.Millisecond
}

// Party reports whether the game mode allows extra tabs.
func (s Settings) Party() bool { return s.Mode == ":party" }

func (s Settings) Interp() interp.Settings {
	return interp.Settings{
		AnimationSpeed: s.AnimationSpeed,
		FadeSpeed:      s.FadeSpeed,
		SoakSpeed:      s.SoakSpeed,
		Transparency:   s.Transparency,
	}
}

// Load reads path. A missing file, a version mismatch or bad JSON all
// yield Default along with the reason.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default, err
	}
	tmp := Default
	if err := json.Unmarshal(data, &tmp); err != nil {
		return Default, fmt.Errorf("parse %s: %w", path, err)
	}
	if tmp.Version != SETTINGS_VERSION {
		return Default, fmt.Errorf("settings version %d, want %d", tmp.Version, SETTINGS_VERSION)
	}
	tmp.clamp()
	return tmp, nil
}

func (s *Settings) clamp() {
	if s.Retries < 1 {
		s.Retries = Default.Retries
	}
	if s.RetryDelayMS < 0 {
		s.RetryDelayMS = Default.RetryDelayMS
	}
	if s.HandshakeTimeoutMS <= 0 {
		s.HandshakeTimeoutMS = Default.HandshakeTimeoutMS
	}
	if s.FPS <= 0 || s.FPS > 240 {
		s.FPS = Default.FPS
	}
	if s.MapExtent <= 0 {
		s.MapExtent = Default.MapExtent
	}
	if s.AnimationSpeed < 0 || s.AnimationSpeed > 1000 {
		s.AnimationSpeed = Default.AnimationSpeed
	}
	if s.FadeSpeed < 0 || s.FadeSpeed > 250 {
		s.FadeSpeed = Default.FadeSpeed
	}
	if s.SoakSpeed < 0 || s.SoakSpeed > 250 {
		s.SoakSpeed = Default.SoakSpeed
	}
	if s.Transparency <= 0 || s.Transparency > 1 {
		s.Transparency = Default.Transparency
	}
	switch s.SpectatorMode {
	case SpectateOff, SpectateTopOne, SpectateFullMap:
	default:
		s.SpectatorMode = SpectateOff
	}
}

// Save writes s next to path and renames it into place.
func Save(path string, s Settings) error {
	s.Version = SETTINGS_VERSION
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if err := os.WriteFile(path+".tmp", data, 0644); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return os.Rename(path+".tmp", path)
}

// EnvPrefix prefixes every override variable.
const EnvPrefix = "DELTA_"

// ApplyEnv loads the given .env files (".env" when none are named) into the
// environment and applies DELTA_* overrides to s. Missing files are not an
// error.
func ApplyEnv(s *Settings, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("REGION", &s.Region)
	str("MODE", &s.Mode)
	str("SERVER", &s.Address)
	str("MASTER", &s.MasterURL)
	str("NICK", &s.Nick)
	str("SECOND_NICK", &s.SecondNick)
	str("SPECTATOR", &s.SpectatorMode)
	str("CLIENT_VERSION", &s.ClientVersion)
	str("LOG_DIR", &s.LogDir)
	num("PROTOCOL", &s.ProtocolVersion)
	num("BLAKE_REVISION", &s.BlakeRevision)
	num("RETRIES", &s.Retries)
	num("RETRY_DELAY_MS", &s.RetryDelayMS)
	num("FPS", &s.FPS)
	flag("MULTIBOX", &s.Multibox)
	flag("DEBUG", &s.Debug)

	s.clamp()
	return errors.Join(errs...)
}
