package service

import (
	"context"
	"sync"

	dErrors "sovereign/pkg/domain-errors"
)

// numSessionShards spreads per-session locks so unrelated sessions rarely
// contend.
const numSessionShards = 128

// sessionLocks serialises mutations of one session inside this process. The
// store's version check covers writers in other processes.
type sessionLocks struct {
	shards [numSessionShards]sync.Mutex
}

// lock acquires the shard of sessionID. The returned func releases it.
func (l *sessionLocks) lock(ctx context.Context, sessionID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "session update aborted: context cancelled")
	}
	shard := &l.shards[hashSessionID(sessionID)%numSessionShards]
	shard.Lock()

	// check again after acquiring lock
	if err := ctx.Err(); err != nil {
		shard.Unlock()
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "session update aborted: context cancelled")
	}
	return shard.Unlock, nil
}

// hashSessionID is FNV-1a.
func hashSessionID(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
