// Package storage keeps the entities hosted by a single shard.
//
// # Overview
//
// A worker hosts several shards and each shard owns one Store. An entity is
// an opaque value under a string key; every Get or Put marks it active. The
// number of entities active within a recent window is the shard's load, the
// metric the worker's reporter sends to the coordinator.
//
//	┌─────────────────────────────┐
//	│           Worker            │
//	│  ┌───────┐ ┌───────┐        │
//	│  │shard 0│ │shard 1│  ...   │
//	│  │ Store │ │ Store │        │
//	│  └───────┘ └───────┘        │
//	└─────────────────────────────┘
//	         │ Active(since)
//	         ▼
//	  load report per shard
//
// # Implementations
//
// MemoryStore: in-memory map guarded by sync.RWMutex
//   - values are copied on the way in and out
//   - activity timestamps come from an injectable clock
//   - Expire drops entities idle since a cutoff
//
// # Thread Safety
//
// Every Store method is safe for concurrent use.
package storage
