package keys

import (
	"encoding/binary"
	"net/url"
	"strings"
	"sync"
)

// Cipher holds the key state of one connection. It is never shared and
// never reused after a reconnect.
type Cipher struct {
	strategy Strategy

	mu          sync.Mutex
	seeded      bool
	protocolKey uint32
	clientKey   uint32
}

func NewCipher(s Strategy) *Cipher {
	if s == nil {
		s = Lookup(DefaultVersion)
	}
	return &Cipher{strategy: s}
}

func (c *Cipher) Strategy() Strategy { return c.strategy }

// Seed stores the server supplied key and derives the client key from the
// connection address and the handshake bytes following the seed.
func (c *Cipher) Seed(key uint32, address string, handshake []byte) {
	ck := c.strategy.ClientKey(Host(address), handshake)
	c.mu.Lock()
	c.protocolKey = key
	c.clientKey = ck
	c.seeded = true
	c.mu.Unlock()
}

func (c *Cipher) Seeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seeded
}

// Key is the current protocol key.
func (c *Cipher) Key() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolKey
}

func (c *Cipher) ClientKey() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientKey
}

// Rotate advances the protocol key and returns the new value.
func (c *Cipher) Rotate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protocolKey = c.strategy.Rotate(c.protocolKey)
	return c.protocolKey
}

// Obfuscate returns msg XORed with the current key and rotates the key.
// Before the seed arrives msg is returned unchanged.
func (c *Cipher) Obfuscate(msg []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(msg))
	copy(out, msg)
	if !c.seeded {
		return out
	}
	var kb [4]byte
	binary.LittleEndian.PutUint32(kb[:], c.protocolKey)
	for i := range out {
		out[i] ^= kb[i%4]
	}
	c.protocolKey = c.strategy.Rotate(c.protocolKey)
	return out
}

// Host strips scheme, port and path from a socket address.
func Host(address string) string {
	if u, err := url.Parse(address); err == nil && u.Host != "" {
		return u.Hostname()
	}
	h := address
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return h
}
