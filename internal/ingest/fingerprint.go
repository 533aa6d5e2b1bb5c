package ingest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
)

// Fingerprint derives the deterministic cache key for one source task. Two
// tasks share a key only when source type, normalized query and the full
// constraint set match exactly. Every field is length-prefixed before
// hashing, so no byte sequence inside a value can collide with the field
// framing.
func Fingerprint(source SourceType, query string, constraints map[string]string) string {
	h := sha256.New()
	writeField(h, string(source))
	writeField(h, normalizeQuery(query))
	for _, k := range sortedKeys(constraints) {
		writeField(h, k)
		writeField(h, constraints[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	h.Write(buf[:n])
	h.Write([]byte(s))
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
