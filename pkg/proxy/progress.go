package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProgressSink receives forwarded progress notifications. *mcp.ServerSession
// implements it.
type ProgressSink interface {
	NotifyProgress(ctx context.Context, params *mcp.ProgressNotificationParams) error
}

// ProgressTracker relays upstream progress notifications to the downstream
// session that started the call. Upstream calls carry a gateway-issued token
// so calls from different sessions never collide.
type ProgressTracker struct {
	counter atomic.Uint64

	mu    sync.RWMutex
	calls map[string]progressRoute

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRoute struct {
	sink       ProgressSink
	downstream any
}

const progressCleanupGrace = 250 * time.Millisecond

// NewProgressTracker returns an empty tracker.
func NewProgressTracker(logger *slog.Logger) *ProgressTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressTracker{
		calls:        make(map[string]progressRoute),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// Track rewrites params to carry a fresh upstream token routed to sink under
// the downstream token. The returned func releases the route after a short
// grace period so trailing notifications still arrive.
func (pt *ProgressTracker) Track(taskID string, sink ProgressSink, downstream any, params *mcp.CallToolParams) func() {
	if pt == nil || sink == nil || downstream == nil || params == nil {
		return func() {}
	}
	token := fmt.Sprintf("gw/%s/%d", taskID, pt.counter.Add(1))
	params.Meta = maps.Clone(params.Meta)
	if params.Meta == nil {
		params.Meta = mcp.Meta{}
	}
	params.SetProgressToken(token)
	key := routeKey(taskID, token)

	pt.mu.Lock()
	pt.calls[key] = progressRoute{sink: sink, downstream: downstream}
	pt.mu.Unlock()

	return func() {
		time.AfterFunc(pt.cleanupGrace, func() {
			pt.mu.Lock()
			delete(pt.calls, key)
			pt.mu.Unlock()
		})
	}
}

// Forward delivers an upstream progress notification for taskID. Unknown
// tokens are dropped.
func (pt *ProgressTracker) Forward(ctx context.Context, taskID string, params *mcp.ProgressNotificationParams) {
	if pt == nil || params == nil {
		return
	}
	token, ok := params.ProgressToken.(string)
	if !ok {
		pt.logger.Debug("progress token unsupported", "task", taskID, "token", params.ProgressToken)
		return
	}
	pt.mu.RLock()
	route, ok := pt.calls[routeKey(taskID, token)]
	pt.mu.RUnlock()
	if !ok {
		return
	}
	out := *params
	out.ProgressToken = route.downstream
	if err := route.sink.NotifyProgress(ctx, &out); err != nil {
		pt.logger.Warn("forward progress", "task", taskID, "error", err)
	}
}

func (pt *ProgressTracker) active() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.calls)
}

func routeKey(taskID, token string) string {
	return taskID + "|" + token
}
