// Package capability advertises this node's voice backends on the bus and
// tracks the other voice nodes it hears from.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type NodeInfo struct {
	ID             string
	Capabilities   []protocol.Capability
	ActiveSessions int
	LastSeen       time.Time
	Healthy        bool
}

// Registry announces the local node once, heartbeats it with the current
// session load and marks peers unhealthy once their heartbeats stop.
type Registry struct {
	cfg    config.NodeConfig
	local  []protocol.Capability
	load   func() int
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
	clock  func() time.Time
}

// NewRegistry subscribes to node traffic and announces the local node. load
// reports the number of active sessions and may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []protocol.Capability, load func() int, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if load == nil {
		load = func() int { return 0 }
	}
	r := &Registry{
		cfg:    cfg,
		local:  local,
		load:   load,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-voice/capability"),
		cancel: cancel,
		clock:  time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Capabilities: r.local,
		Timestamp:    r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Capabilities, -1, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:         r.cfg.ID,
		ActiveSessions: r.load(),
		Timestamp:      r.clock().UTC(),
	}
	return r.bus.PublishJSON(protocol.HeartbeatSubject(r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Capabilities, -1, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.ActiveSessions, hb.Timestamp)
}

// updateNode records a sighting. A negative sessions value keeps the last
// reported load.
func (r *Registry) updateNode(nodeID string, capabilities []protocol.Capability, sessions int, seen time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if sessions >= 0 {
		node.ActiveSessions = sessions
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node has heard its own traffic recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("voice.nodes.healthy", metric.WithDescription("Voice nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	sessions, err := r.meter.Int64ObservableGauge("voice.nodes.sessions", metric.WithDescription("Active sessions reported across healthy voice nodes"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		healthy, load := r.snapshot()
		obs.ObserveInt64(nodes, healthy)
		obs.ObserveInt64(sessions, load)
		return nil
	}, nodes, sessions)
	return err
}

func (r *Registry) snapshot() (healthy, sessions int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		if node.Healthy {
			healthy++
			sessions += int64(node.ActiveSessions)
		}
	}
	return healthy, sessions
}

// VoiceCapabilities describes the backends cfg selects.
func VoiceCapabilities(cfg config.Config) []protocol.Capability {
	llm := map[string]string{"mode": cfg.LLM.Mode}
	if cfg.LLM.Model != "" {
		llm["model"] = cfg.LLM.Model
	}
	tts := map[string]string{
		"mode":        cfg.TTS.Mode,
		"sample_rate": strconv.Itoa(cfg.TTS.SampleRate),
		"channels":    strconv.Itoa(cfg.TTS.Channels),
	}
	if cfg.TTS.Voice != "" {
		tts["voice"] = cfg.TTS.Voice
	}
	return []protocol.Capability{
		{Name: "llm", Attributes: llm},
		{Name: "tts", Attributes: tts},
		{Name: "voice.stream", Attributes: map[string]string{"chunk_size": strconv.Itoa(cfg.Pipeline.ChunkSize)}},
	}
}

// WithCapabilityFilter matches nodes offering the named capability.
func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithAttributeFilter matches nodes whose capability name has key set to
// value, e.g. tts nodes with voice "alloy".
func WithAttributeFilter(name, key, value string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name && c.Attributes[key] == value {
				return true
			}
		}
		return false
	}
}
