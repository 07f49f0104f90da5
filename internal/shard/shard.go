package shard

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/autoshard/internal/storage"
)

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving entities
	ShardStateActive ShardState = "active"
	// ShardStateDraining means the shard was unassigned and rejects writes
	ShardStateDraining ShardState = "draining"
)

var (
	// ErrShardNotHosted is returned for a shard this worker does not own.
	ErrShardNotHosted = errors.New("shard not hosted on this worker")
	// ErrShardDraining is returned for writes to a draining shard.
	ErrShardDraining = errors.New("shard is draining")
	// ErrWrongShard is returned when a key hashes to a different shard.
	ErrWrongShard = errors.New("key belongs to another shard")
)

// Shard hosts the entities of one partition of the key space.
type Shard struct {
	Store storage.Store
	ops   OperationStats
	state ShardState
	ID    int
	mu    sync.RWMutex
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	State   ShardState         `json:"state"`
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
	ID      int                `json:"id"`
	Active  int                `json:"active"`
}

// NewShard creates an active shard backed by store.
func NewShard(id int, store storage.Store) *Shard {
	return &Shard{ID: id, Store: store, state: ShardStateActive}
}

// Get retrieves an entity.
func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores an entity. Draining shards reject writes.
func (s *Shard) Put(key string, value []byte) error {
	if s.State() == ShardStateDraining {
		return fmt.Errorf("shard %d: %w", s.ID, ErrShardDraining)
	}
	atomic.AddUint64(&s.ops.Puts, 1)
	return s.Store.Put(key, value)
}

// Delete removes an entity.
func (s *Shard) Delete(key string) error {
	atomic.AddUint64(&s.ops.Deletes, 1)
	return s.Store.Delete(key)
}

// State returns the shard state.
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Info returns metadata about the shard. Active counts entities touched at
// or after since.
func (s *Shard) Info(since time.Time) ShardInfo {
	return ShardInfo{
		ID:    s.ID,
		State: s.State(),
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.ops.Gets),
			Puts:    atomic.LoadUint64(&s.ops.Puts),
			Deletes: atomic.LoadUint64(&s.ops.Deletes),
		},
		Storage: s.Store.Stats(),
		Active:  s.Store.Active(since),
	}
}

// ForKey maps an entity key onto one of numShards shards with FNV-1a. It
// agrees with the coordinator's routing for the contiguous assignment.
func ForKey(key string, numShards int) int {
	if numShards <= 0 {
		return -1
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(numShards))
}

// Host is the set of shards a worker currently owns.
//
// Load is the number of entities active within the idle window, so an
// entity that has not been read or written for longer than the window stops
// counting toward its shard's load.
type Host struct {
	shards      map[int]*Shard
	newStore    func() storage.Store
	now         func() time.Time
	idleWindow  time.Duration
	totalShards int
	mu          sync.RWMutex
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithClock sets the clock used for activity windows.
func WithClock(now func() time.Time) HostOption {
	return func(h *Host) { h.now = now }
}

// WithStoreFactory sets how new shard stores are created.
func WithStoreFactory(fn func() storage.Store) HostOption {
	return func(h *Host) { h.newStore = fn }
}

// NewHost creates an empty host. idleWindow of 0 counts every stored entity
// as active.
//
// Example:
//
//	host := shard.NewHost(5 * time.Minute)
//	host.Assign([]int{0, 1}, 4)
//	load := reporter.ShardLoadFunc(host.Load)
func NewHost(idleWindow time.Duration, opts ...HostOption) *Host {
	h := &Host{
		shards:     make(map[int]*Shard),
		idleWindow: idleWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.newStore == nil {
		now := h.now
		h.newStore = func() storage.Store { return storage.NewMemoryStoreWithClock(now) }
	}
	return h
}

// Assign installs the owned shard set. New shards start empty; shards no
// longer owned are dropped along with their entities. It returns the ids
// that were added and removed.
func (h *Host) Assign(ids []int, totalShards int) (added, removed []int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalShards = totalShards
	for _, id := range ids {
		if _, ok := h.shards[id]; !ok {
			h.shards[id] = NewShard(id, h.newStore())
			added = append(added, id)
		}
	}
	for id, s := range h.shards {
		if !slices.Contains(ids, id) {
			s.SetState(ShardStateDraining)
			delete(h.shards, id)
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return added, removed
}

// Shard returns a hosted shard.
func (h *Host) Shard(id int) (*Shard, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.shards[id]
	if !ok {
		return nil, fmt.Errorf("shard %d: %w", id, ErrShardNotHosted)
	}
	return s, nil
}

// Route returns the addressed shard after checking that key hashes to it.
func (h *Host) Route(shardID int, key string) (*Shard, error) {
	s, err := h.Shard(shardID)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	total := h.totalShards
	h.mu.RUnlock()

	if total > 0 {
		if want := ForKey(key, total); want != shardID {
			return nil, fmt.Errorf("key %q maps to shard %d, not %d: %w", key, want, shardID, ErrWrongShard)
		}
	}
	return s, nil
}

// IDs returns the hosted shard ids in ascending order.
func (h *Host) IDs() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int, 0, len(h.shards))
	for id := range h.shards {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// TotalShards returns the fleet-wide shard count last assigned.
func (h *Host) TotalShards() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalShards
}

func (h *Host) since() time.Time {
	if h.idleWindow <= 0 {
		return time.Time{}
	}
	return h.now().Add(-h.idleWindow)
}

// Load returns the active entity count of a shard, 0 if not hosted.
func (h *Host) Load(shardID int) float64 {
	s, err := h.Shard(shardID)
	if err != nil {
		return 0
	}
	return float64(s.Store.Active(h.since()))
}

// Infos returns metadata for every hosted shard, ordered by id.
func (h *Host) Infos() []ShardInfo {
	since := h.since()
	out := make([]ShardInfo, 0)
	for _, id := range h.IDs() {
		if s, err := h.Shard(id); err == nil {
			out = append(out, s.Info(since))
		}
	}
	return out
}

// Expire drops entities idle longer than the window from every shard and
// returns the number removed. It does nothing when the window is 0.
func (h *Host) Expire() int {
	if h.idleWindow <= 0 {
		return 0
	}
	cutoff := h.since()

	h.mu.RLock()
	shards := make([]*Shard, 0, len(h.shards))
	for _, s := range h.shards {
		shards = append(shards, s)
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range shards {
		n += s.Store.Expire(cutoff)
	}
	return n
}
