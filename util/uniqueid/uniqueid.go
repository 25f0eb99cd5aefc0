package uniqueid

import (
	"encoding/base64"
	"encoding/binary"
	"math/rand"
	"time"
)

// UniqueId returns a 16-byte identifier encoded as URL-safe base64.
// The first 8 bytes are the creation timestamp in microseconds, so ids
// sort roughly by creation time; the rest is random.
func UniqueId() string {
	b := make([]byte, 16)

	ts := time.Now().UnixMicro()
	binary.BigEndian.PutUint64(b[:8], uint64(ts))

	_, err := rand.Read(b[8:])
	if err != nil {
		panic(err)
	}

	return base64.URLEncoding.EncodeToString(b)
}

// BroadcastId returns a unique identifier prefixed for broadcast records,
// convenient when scanning mixed id spaces in storage or logs.
func BroadcastId() string {
	return "bc-" + UniqueId()
}
