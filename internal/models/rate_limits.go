package models

import "time"

// WindowCounter is a read-only snapshot of one key's fixed window.
// TTL is zero when the key has no live window.
type WindowCounter struct {
	Key   string        `json:"key"`
	Count int64         `json:"count"`
	TTL   time.Duration `json:"ttl"`
}

// Active reports whether the snapshot describes a live window.
func (w WindowCounter) Active() bool {
	return w.Count > 0
}

// StorePoolStats describes the connection pool of a networked counter store.
type StorePoolStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	StaleConns uint32 `json:"stale_conns"`
}
