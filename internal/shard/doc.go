// Package shard hosts the entity shards a worker owns and measures their load.
//
// # Overview
//
// Entities are routed to one of N shards by FNV-1a hashing of their key. A
// worker owns a subset of those shards, assigned by the coordinator at
// registration and replaced after every rescale. Host keeps the owned shards
// and answers the reporter's question: how loaded is shard i right now?
//
//	              ┌────────────── Host ──────────────┐
//	PUT /shard/1  │  shard 0       shard 1           │
//	  ───────────▶│  Store         Store ◀── Route   │
//	              │                                  │
//	              │  Load(1) = Active(now - window)  │
//	              └──────────────────┬───────────────┘
//	                                 ▼
//	                    reporter.ShardLoadFunc(host.Load)
//
// # Load
//
// A shard's load is the number of its entities read or written within the
// host's idle window. With a zero window every stored entity counts.
//
// # Reassignment
//
// Assign installs a new shard set. Shards that are no longer owned move to
// ShardStateDraining and are dropped; their entities are not migrated.
//
// # Thread Safety
//
// Host and Shard are safe for concurrent use. Operation counters use atomic
// operations; state changes take the shard's mutex.
package shard
