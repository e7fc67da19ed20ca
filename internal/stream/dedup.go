package stream

import (
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

// logRetention is how many blocks a log key is remembered for.
const logRetention = 128

// pendingCache remembers transaction hashes already emitted as pending.
// It is never pruned; it lives as long as the stream.
type pendingCache struct {
	seen mapset.Set[string]
}

func newPendingCache() *pendingCache {
	return &pendingCache{seen: mapset.NewThreadUnsafeSet[string]()}
}

// firstSighting inserts hash and reports whether it was new.
func (c *pendingCache) firstSighting(hash string) bool {
	return c.seen.Add(hash)
}

func (c *pendingCache) len() int { return c.seen.Cardinality() }

func (c *pendingCache) clear() { c.seen.Clear() }

// logDedup suppresses repeated deliveries of the same log, which happen
// when overlapping filters are armed or a connection replays recent logs.
type logDedup struct {
	seen map[string]uint64
}

func newLogDedup() *logDedup {
	return &logDedup{seen: make(map[string]uint64)}
}

func logKey(l *Log) string {
	key := l.BlockHash + ":" + strconv.FormatUint(uint64(l.LogIndex), 10)
	if l.Removed {
		key += ":removed"
	}
	return key
}

// firstSighting records l and reports whether it was new.
func (d *logDedup) firstSighting(l *Log) bool {
	key := logKey(l)
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = l.BlockNumber
	return true
}

// prune forgets keys more than logRetention blocks behind head.
func (d *logDedup) prune(head uint64) {
	if head <= logRetention {
		return
	}
	floor := head - logRetention
	for k, n := range d.seen {
		if n < floor {
			delete(d.seen, k)
		}
	}
}

func (d *logDedup) clear() { clear(d.seen) }
