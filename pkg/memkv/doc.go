// Package memkv is a sharded, concurrency-safe in-memory byte store with
// per-key TTL. Expired keys are removed lazily on access and by a background
// expirer that sleeps until the nearest deadline.
//
// The node keeps its peer records here; values are opaque bytes so callers
// choose their own encoding.
package memkv
