// Package keys derives and rotates the per-connection obfuscation keys.
package keys

import (
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/blake2b"

	"deltatabs/logging"
)

// Strategy is one protocol revision's key schedule.
type Strategy interface {
	Version() int
	Rotate(key uint32) uint32
	ClientKey(host string, seed []byte) uint32
}

const (
	MurmurVersion = 22

	DefaultVersion = MurmurVersion
)

const murmurM = 1540483477

// Murmur is the multiplicative rotation used by protocol revision 22.
type Murmur struct{}

func (Murmur) Version() int { return MurmurVersion }

func (Murmur) Rotate(key uint32) uint32 {
	key *= murmurM
	key = ((key>>24)^key)*murmurM ^ 114296087
	key = ((key >> 13) ^ key) * murmurM
	return (key >> 15) ^ key
}

// ClientKey hashes host followed by seed. The final byte of the input is
// excluded from the hash, matching the server.
func (Murmur) ClientKey(host string, seed []byte) uint32 {
	data := make([]byte, 0, len(host)+len(seed))
	data = append(data, host...)
	data = append(data, seed...)
	if len(data) == 0 {
		return 0
	}
	rem := len(data) - 1
	h := uint32(rem ^ 255)
	off := 0
	for rem > 3 {
		k := binary.LittleEndian.Uint32(data[off:]) * murmurM
		h = ((k>>24)^k)*murmurM ^ h*murmurM
		rem -= 4
		off += 4
	}
	switch rem {
	case 3:
		h ^= uint32(data[off+2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[off+1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[off])
		h *= murmurM
	}
	h ^= h >> 13
	h *= murmurM
	h ^= h >> 15
	return h
}

// Blake is an alternative key schedule built on BLAKE2b digests. No game
// server revision uses it by default; it is registered under a revision
// chosen by the caller, for private servers that run it.
type Blake struct {
	Revision int
}

func (b Blake) Version() int { return b.Revision }

func (Blake) Rotate(key uint32) uint32 {
	var in [4]byte
	binary.LittleEndian.PutUint32(in[:], key)
	sum := blake2b.Sum256(in[:])
	return binary.LittleEndian.Uint32(sum[:4])
}

func (Blake) ClientKey(host string, seed []byte) uint32 {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(host))
	h.Write(seed)
	return binary.LittleEndian.Uint32(h.Sum(nil)[:4])
}

var (
	strategiesMu sync.RWMutex
	strategies   = map[int]Strategy{
		MurmurVersion: Murmur{},
	}
)

// Lookup returns the strategy for a protocol revision. Unknown revisions
// fall back to DefaultVersion.
func Lookup(version int) Strategy {
	strategiesMu.RLock()
	s, ok := strategies[version]
	def := strategies[DefaultVersion]
	strategiesMu.RUnlock()
	if ok {
		return s
	}
	logging.Warnf("keys: unknown protocol revision %d, using %d", version, DefaultVersion)
	return def
}

// Register adds or replaces the strategy for s.Version(). It may be called
// while connections are looking strategies up.
func Register(s Strategy) {
	strategiesMu.Lock()
	strategies[s.Version()] = s
	strategiesMu.Unlock()
}
