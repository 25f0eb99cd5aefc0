package sharding

import (
	"hash/fnv"
)

// DefaultNumShards is the shard count used when no scale preset has been selected.
const DefaultNumShards = 16

// ShardFor computes the shard ID for a given user ID using FNV-1a hash.
// The result is deterministic: the same id and numShards always yield the
// same shard, and the result is always in [0, numShards).
//
// Changing numShards does NOT migrate existing assignments; a user keeps the
// shard recorded at registration time until they re-register.
func ShardFor(id string, numShards int) int {
	if numShards <= 0 {
		numShards = 1
	}
	hasher := fnv.New32a()
	hasher.Write([]byte(id))
	return int(hasher.Sum32() % uint32(numShards))
}
