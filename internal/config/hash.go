package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig returns a stable hash of the decoded config; 0 if it cannot be
// encoded. Map keys are sorted by encoding/json, so key order in the file
// does not matter.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
