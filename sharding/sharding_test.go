package sharding

import (
	"fmt"
	"testing"
)

const testNumShards = 64

func TestShardFor_BasicFunctionality(t *testing.T) {
	// ShardFor must return a valid shard ID
	shardID := ShardFor("exampleUserID", testNumShards)

	if shardID < 0 || shardID >= testNumShards {
		t.Fatalf("ShardFor(exampleUserID) = %d, want value in range [0, %d)", shardID, testNumShards)
	}
}

func TestShardFor_Deterministic(t *testing.T) {
	// The same user ID must always map to the same shard
	userID := "testUser123"
	shard1 := ShardFor(userID, testNumShards)
	shard2 := ShardFor(userID, testNumShards)

	if shard1 != shard2 {
		t.Fatalf("ShardFor(%s) should be deterministic: got %d and %d", userID, shard1, shard2)
	}
}

func TestShardFor_RangeOverManyIDs(t *testing.T) {
	// Every result must fall in [0, numShards), for several shard counts
	for _, numShards := range []int{1, 8, 16, 64, 128} {
		for i := 0; i < 1000; i++ {
			id := fmt.Sprintf("user-%d", i)
			shardID := ShardFor(id, numShards)
			if shardID < 0 || shardID >= numShards {
				t.Fatalf("ShardFor(%s, %d) = %d, want value in range [0, %d)", id, numShards, shardID, numShards)
			}
		}
	}
}

func TestShardFor_EmptyString(t *testing.T) {
	shardID := ShardFor("", testNumShards)

	if shardID < 0 || shardID >= testNumShards {
		t.Fatalf("ShardFor(\"\") = %d, want value in range [0, %d)", shardID, testNumShards)
	}
}

func TestShardFor_SpecialCharacters(t *testing.T) {
	testCases := []string{
		"user-with-dashes",
		"user_with_underscores",
		"user.with.dots",
		"user@example.com",
		"unicode-测试-user",
	}

	for _, id := range testCases {
		shardID := ShardFor(id, testNumShards)
		if shardID < 0 || shardID >= testNumShards {
			t.Fatalf("ShardFor(%s) = %d, want value in range [0, %d)", id, shardID, testNumShards)
		}
	}
}

func TestShardFor_NonPositiveShardCount(t *testing.T) {
	// A non-positive shard count degrades to a single shard
	if got := ShardFor("anyone", 0); got != 0 {
		t.Fatalf("ShardFor with numShards=0 = %d, want 0", got)
	}
	if got := ShardFor("anyone", -5); got != 0 {
		t.Fatalf("ShardFor with numShards=-5 = %d, want 0", got)
	}
}

func TestShardFor_Distribution(t *testing.T) {
	// With many users, every shard should receive at least one user
	const numShards = 16
	counts := make([]int, numShards)
	for i := 0; i < 10000; i++ {
		counts[ShardFor(fmt.Sprintf("user-%d", i), numShards)]++
	}

	for shard, count := range counts {
		if count == 0 {
			t.Fatalf("shard %d received no users out of 10000", shard)
		}
	}
}
