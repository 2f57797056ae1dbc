package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// credentialsHash hashes a credential map so diffs can detect changes
// without ever exposing values. json.Marshal sorts map keys, so the hash
// is canonical.
func credentialsHash(creds map[string]string) uint64 {
	if len(creds) == 0 {
		return 0
	}
	b, err := json.Marshal(creds)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
