// Package natsbus carries worker load reports over NATS core publish and
// subscribe. Each worker publishes on its own subject, <prefix>.<workerID>, and
// the coordinator holds one subscription per worker.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/logging"
)

// DefaultSubjectPrefix is the subject root for worker report traffic.
const DefaultSubjectPrefix = "autoshard.worker"

var (
	// ErrClosed is returned when publishing on a closed connection.
	ErrClosed = errors.New("nats connection closed")
	// ErrInvalidPrefix is returned for an empty or wildcard subject prefix.
	ErrInvalidPrefix = errors.New("invalid subject prefix")
)

// Subject returns the subject a worker publishes on.
func Subject(prefix string, workerID int) string {
	return prefix + "." + strconv.Itoa(workerID)
}

// Connect dials NATS with reconnect handling that logs through logger.
//
// Parameters:
//   - url: NATS server URL, e.g. nats://127.0.0.1:4222
//   - name: client name shown in server monitoring
//   - logger: receives disconnect and reconnect events; nil discards them
func Connect(url, name string, logger *logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// IsConnectivityError reports whether err comes from a lost or unavailable
// NATS connection rather than a bad message.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		strings.Contains(err.Error(), "connection refused")
}

func validPrefix(prefix string) bool {
	return prefix != "" && !strings.ContainsAny(prefix, "*> \t")
}

// Worker is the worker-side handle: it knows the worker's id and owned shards
// and publishes messages on the worker's subject. It implements
// cluster.WorkerHandle.
//
// Owned shards change after a rescale; SetShards is safe to call while a
// reporter is running.
type Worker struct {
	nc      *nats.Conn
	subject string
	id      int

	mu     sync.RWMutex
	shards []int
}

// NewWorker creates a handle for workerID publishing under prefix.
func NewWorker(nc *nats.Conn, prefix string, workerID int, shards []int) (*Worker, error) {
	if !validPrefix(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	w := &Worker{nc: nc, subject: Subject(prefix, workerID), id: workerID}
	w.SetShards(shards)
	return w, nil
}

// ID returns the worker's id.
func (w *Worker) ID() int { return w.id }

// OwnedShards returns a copy of the worker's shard ids.
func (w *Worker) OwnedShards() []int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]int(nil), w.shards...)
}

// SetShards replaces the worker's owned shards.
func (w *Worker) SetShards(shards []int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shards = append([]int(nil), shards...)
}

// Subject returns the subject this worker publishes on.
func (w *Worker) Subject() string { return w.subject }

// Send publishes msg as JSON. Delivery is fire-and-forget: a nil error means
// the message was handed to the client, not that anyone received it.
func (w *Worker) Send(ctx context.Context, msg cluster.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.nc == nil || w.nc.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := w.nc.Publish(w.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", w.subject, err)
	}
	return nil
}

// Bus hands out coordinator-side channels, one per worker.
type Bus struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewBus creates a Bus subscribing under prefix.
func NewBus(nc *nats.Conn, prefix string, logger *logging.Logger) (*Bus, error) {
	if !validPrefix(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{nc: nc, prefix: prefix, logger: logger.WithComponent("natsbus")}, nil
}

// Channel returns the channel carrying workerID's messages.
func (b *Bus) Channel(workerID int) cluster.WorkerChannel {
	return &channel{bus: b, workerID: workerID, subject: Subject(b.prefix, workerID)}
}

type channel struct {
	bus      *Bus
	subject  string
	workerID int
}

// OnMessage subscribes to the worker's subject. Messages on one subscription
// are delivered in order, one at a time. Payloads that are not a JSON
// envelope are logged and dropped.
func (c *channel) OnMessage(handler cluster.MessageHandler) (func(), error) {
	sub, err := c.bus.nc.Subscribe(c.subject, func(m *nats.Msg) {
		var msg cluster.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			c.bus.logger.Warn("dropping undecodable message",
				"worker_id", c.workerID,
				"subject", m.Subject,
				"error", err)
			return
		}
		handler(context.Background(), msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", c.subject, err)
	}
	// Make sure the server has the interest before any report is published.
	if err := c.bus.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", c.subject, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				c.bus.logger.Warn("unsubscribe failed", "subject", c.subject, "error", err)
			}
		})
	}, nil
}

var (
	_ cluster.WorkerHandle  = (*Worker)(nil)
	_ cluster.WorkerChannel = (*channel)(nil)
)
