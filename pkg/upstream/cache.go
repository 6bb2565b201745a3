package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
)

// Cache holds at most one live Connection per task id.
type Cache struct {
	connector Connector
	opts      CacheOptions

	mu    sync.Mutex
	conns map[string]*Connection

	group        singleflight.Group
	createSlots  *semaphore.Weighted
	shuttingDown atomic.Bool
}

// NewCache returns an empty cache creating connections through connector.
func NewCache(connector Connector, opts *CacheOptions) *Cache {
	options := opts.withDefaults()
	return &Cache{
		connector:   connector,
		opts:        options,
		conns:       make(map[string]*Connection),
		createSlots: semaphore.NewWeighted(options.MaxConcurrentCreates),
	}
}

// GetOrCreate returns the cached connection for taskID when it still answers
// a ping, otherwise replaces it with a fresh one. Concurrent callers for the
// same task id share a single attempt.
func (c *Cache) GetOrCreate(ctx context.Context, taskID, taskName string, profile Profile) (*Connection, error) {
	if c.shuttingDown.Load() {
		return nil, fmt.Errorf("%w: cannot connect task %q", gwerrors.ErrShutdown, taskID)
	}
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", gwerrors.ErrValidation)
	}
	ch := c.group.DoChan(taskID, func() (any, error) {
		return c.getOrCreate(context.WithoutCancel(ctx), taskID, taskName, profile)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	}
}

func (c *Cache) getOrCreate(ctx context.Context, taskID, taskName string, profile Profile) (*Connection, error) {
	if existing := c.Get(taskID); existing != nil {
		if existing.Initialized() {
			probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
			err := existing.Ping(probeCtx)
			cancel()
			if err == nil {
				return existing, nil
			}
			c.opts.Logger.Warn("cached upstream failed probe", "task", taskID, "error", err)
		}
		c.evict(taskID, existing)
	}

	if c.shuttingDown.Load() {
		return nil, fmt.Errorf("%w: cannot connect task %q", gwerrors.ErrShutdown, taskID)
	}
	if err := c.createSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	conn, err := c.connector.Connect(ctx, taskID, taskName, profile)
	c.createSlots.Release(1)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.shuttingDown.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: cannot connect task %q", gwerrors.ErrShutdown, taskID)
	}
	stale := c.conns[taskID]
	c.conns[taskID] = conn
	n := len(c.conns)
	c.mu.Unlock()
	if stale != nil && stale != conn {
		_ = stale.Close()
	}
	c.opts.Metrics.SetUpstreamConnections(n)

	if conn.Type == TypeStream && c.opts.HeartbeatInterval > 0 {
		conn.startHeartbeat(heartbeat{
			interval:  c.opts.HeartbeatInterval,
			timeout:   c.opts.HeartbeatTimeout,
			logger:    c.opts.Logger,
			onFailure: c.opts.Metrics.RecordHeartbeatFailure,
		})
	}
	return conn, nil
}

// evict removes conn if it is still the cached entry for taskID and closes it.
func (c *Cache) evict(taskID string, conn *Connection) {
	c.mu.Lock()
	if c.conns[taskID] == conn {
		delete(c.conns, taskID)
	}
	n := len(c.conns)
	c.mu.Unlock()
	c.opts.Metrics.SetUpstreamConnections(n)
	if err := conn.Close(); err != nil {
		c.opts.Logger.Warn("close stale upstream", "task", taskID, "error", err)
	}
}

// Get returns the cached connection for taskID without probing or creating.
func (c *Cache) Get(taskID string) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[taskID]
}

// Len reports the number of cached connections.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// TaskIDs lists cached task ids in sorted order.
func (c *Cache) TaskIDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close removes and closes the connection for taskID. Closing an unknown id
// is a no-op.
func (c *Cache) Close(taskID string) error {
	c.mu.Lock()
	conn := c.conns[taskID]
	delete(c.conns, taskID)
	n := len(c.conns)
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.opts.Metrics.SetUpstreamConnections(n)
	return conn.Close()
}

// CloseAll marks the cache as shutting down and closes every connection
// concurrently. Individual failures are logged and returned together.
func (c *Cache) CloseAll(ctx context.Context) error {
	c.shuttingDown.Store(true)

	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*Connection)
	c.mu.Unlock()
	c.opts.Metrics.SetUpstreamConnections(0)

	var (
		g      errgroup.Group
		errMu  sync.Mutex
		result *multierror.Error
	)
	for taskID, conn := range conns {
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- conn.Close() }()
			var err error
			select {
			case err = <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
			if err != nil {
				c.opts.Logger.Error("close upstream", "task", taskID, "error", err)
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("task %q: %w", taskID, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// ShuttingDown reports whether CloseAll has been called.
func (c *Cache) ShuttingDown() bool { return c.shuttingDown.Load() }
