package ratchet

import (
	"crypto/sha256"

	"github.com/kamune-org/pqfsr/pkg/primitive"
)

// skippedKey identifies a cached message key by the ratchet generation it
// was derived under (the SHA-256 fingerprint of the ratchet public key
// active at derivation time) and its counter, so entries from a previous
// chain survive a KEM pulse and remain disambiguated from the current one.
type skippedKey struct {
	generation [sha256.Size]byte
	counter    uint64
}

type skippedValue struct {
	messageKey []byte
	nonce      []byte
}

// skippedCache is the bounded map of §4.4: insertion-ordered eviction of the
// oldest counter when full, zeroizing entries on both use and eviction.
type skippedCache struct {
	entries map[skippedKey]*skippedValue
	order   []skippedKey
	maxSkip int
}

func newSkippedCache(maxSkip int) *skippedCache {
	return &skippedCache{entries: make(map[skippedKey]*skippedValue), maxSkip: maxSkip}
}

// ratchetGenerationID fingerprints a ratchet public key for use as a skipped
// cache partition key.
func ratchetGenerationID(ratchetPublic []byte) [sha256.Size]byte {
	return sha256.Sum256(ratchetPublic)
}

func (c *skippedCache) len() int { return len(c.entries) }

// store inserts a skipped message key, evicting the oldest entry if the
// cache is at capacity.
func (c *skippedCache) store(generation [sha256.Size]byte, counter uint64, messageKey, nonce []byte) {
	key := skippedKey{generation: generation, counter: counter}
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &skippedValue{messageKey: messageKey, nonce: nonce}

	for len(c.order) > c.maxSkip {
		oldest := c.order[0]
		c.order = c.order[1:]
		if v, ok := c.entries[oldest]; ok {
			primitive.Zeroize(v.messageKey)
			primitive.Zeroize(v.nonce)
			delete(c.entries, oldest)
		}
	}
}

// take removes and returns a cached entry, if present. The caller owns
// zeroizing the returned key material once it is done with it.
func (c *skippedCache) take(generation [sha256.Size]byte, counter uint64) (*skippedValue, bool) {
	key := skippedKey{generation: generation, counter: counter}
	v, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return v, true
}

// zeroizeAll wipes every remaining entry, used when the ratchet is
// destroyed.
func (c *skippedCache) zeroizeAll() {
	for _, v := range c.entries {
		primitive.Zeroize(v.messageKey)
		primitive.Zeroize(v.nonce)
	}
	c.entries = make(map[skippedKey]*skippedValue)
	c.order = nil
}

// snapshot exports every entry as a triple for canonical serialization.
func (c *skippedCache) snapshot() []skippedEntryRecord {
	out := make([]skippedEntryRecord, 0, len(c.order))
	for _, key := range c.order {
		v := c.entries[key]
		rec := skippedEntryRecord{Counter: key.counter, MessageKey: v.messageKey, Nonce: v.nonce}
		rec.Generation = append([]byte(nil), key.generation[:]...)
		out = append(out, rec)
	}
	return out
}

// skippedEntryRecord is the wire/record form of a skipped cache entry.
type skippedEntryRecord struct {
	Generation []byte `cbor:"generation" json:"generation"`
	Counter    uint64 `cbor:"counter" json:"counter"`
	MessageKey []byte `cbor:"message_key" json:"message_key"`
	Nonce      []byte `cbor:"nonce" json:"nonce"`
}

// restoreSkippedCache rebuilds a cache from its serialized triples,
// preserving their original insertion order.
func restoreSkippedCache(maxSkip int, records []skippedEntryRecord) *skippedCache {
	c := newSkippedCache(maxSkip)
	for _, rec := range records {
		var gen [sha256.Size]byte
		copy(gen[:], rec.Generation)
		c.store(gen, rec.Counter, rec.MessageKey, rec.Nonce)
	}
	return c
}
