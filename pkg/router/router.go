// Package router turns MongoDB change stream events into scheduler jobs.
//
// Listener rules in the shared listeners collection declare what to watch:
// a collection, the operations of interest, equality conditions on the
// post-change document, and the job to enqueue on a match. The router
// claims rules with a heartbeated lock so each rule is served by exactly
// one instance, opens one change stream per owned rule and workspace, and
// reconciles the open streams against that desired state on a periodic
// sweep. The listeners collection is itself watched, so rule edits take
// effect without a restart.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
)

// releaseTimeout bounds the lock handback during shutdown.
const releaseTimeout = 5 * time.Second

// Router owns listener rules and routes their change events to the
// scheduler. Safe to run on every replica: rule locks decide which
// instance actually opens streams for a rule, and losing a lock closes
// them again on the next sweep.
type Router struct {
	client     *database.Client
	sched      *scheduler.Scheduler
	workspaces *services.WorkspaceService
	config     *config.RouterConfig
	instanceID string

	mu      sync.Mutex
	owned   map[primitive.ObjectID]string // rule id -> job name, for transition logging
	streams map[streamKey]*ruleStream

	kickCh  chan struct{}
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a router identified by instanceID. The id is what rule locks
// record, so it must be stable for the life of the process and unique per
// replica.
func New(client *database.Client, sched *scheduler.Scheduler, workspaces *services.WorkspaceService, cfg *config.RouterConfig, instanceID string) *Router {
	if client == nil {
		panic("router.New: client must not be nil")
	}
	if sched == nil {
		panic("router.New: sched must not be nil")
	}
	if workspaces == nil {
		panic("router.New: workspaces must not be nil")
	}
	if cfg == nil {
		panic("router.New: cfg must not be nil")
	}
	if instanceID == "" {
		panic("router.New: instanceID must not be empty")
	}
	return &Router{
		client:     client,
		sched:      sched,
		workspaces: workspaces,
		config:     cfg,
		instanceID: instanceID,
		owned:      make(map[primitive.ObjectID]string),
		streams:    make(map[streamKey]*ruleStream),
		kickCh:     make(chan struct{}, 1),
	}
}

// Start runs a first reconcile and begins the heartbeat, sweep and rule
// watch loops. It fails only when the initial reconcile cannot reach the
// database; stream errors later on are retried by the sweep.
func (r *Router) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.reconcile(loopCtx); err != nil {
		cancel()
		r.running.Store(false)
		return fmt.Errorf("failed to start change router: %w", err)
	}

	r.wg.Add(3)
	go r.heartbeatLoop(loopCtx)
	go r.sweepLoop(loopCtx)
	go r.watchRules(loopCtx)

	slog.Info("Change router started",
		"instance_id", r.instanceID,
		"heartbeat_interval", r.config.HeartbeatInterval,
		"sweep_interval", r.config.SweepInterval)
	return nil
}

// Stop closes all open streams and releases this instance's rule locks so
// a peer can take the rules over without waiting out the staleness window.
func (r *Router) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	open := make([]*ruleStream, 0, len(r.streams))
	for _, s := range r.streams {
		open = append(open, s)
	}
	r.streams = make(map[streamKey]*ruleStream)
	r.owned = make(map[primitive.ObjectID]string)
	r.mu.Unlock()

	for _, s := range open {
		s.cancel()
		<-s.done
	}

	r.releaseLocks()
	slog.Info("Change router stopped", "instance_id", r.instanceID)
}

// kick requests an immediate reconcile without waiting for the next sweep
// tick. Coalesces: a pending kick absorbs further ones.
func (r *Router) kick() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

func (r *Router) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kickCh:
		}
		if err := r.reconcile(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Failed to reconcile change streams", "error", err)
		}
	}
}

func (r *Router) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.heartbeatLocks(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Failed to heartbeat rule locks", "instance_id", r.instanceID, "error", err)
			}
		}
	}
}

// watchRules follows the listeners collection so rule edits trigger a
// reconcile right away. If the watch cannot be established the periodic
// sweep still picks edits up, just slower.
func (r *Router) watchRules(ctx context.Context) {
	defer r.wg.Done()

	stream, err := r.client.Listeners().Watch(ctx, emptyPipeline())
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Rule watch unavailable, relying on periodic sweeps", "error", err)
		}
		return
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		r.kick()
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Rule watch ended", "error", err)
	}
}

// reconcile brings the open streams in line with the desired state: every
// active rule this instance owns, crossed with every workspace. Streams
// whose rule was lost, deactivated or edited are closed; missing ones are
// opened. New workspaces are discovered here as well.
func (r *Router) reconcile(ctx context.Context) error {
	rules, err := r.listActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list listener rules: %w", err)
	}

	ownedRules := make([]models.ListenerRule, 0, len(rules))
	for i := range rules {
		ok, err := r.claimRule(ctx, &rules[i])
		if err != nil {
			return fmt.Errorf("failed to claim rule %s: %w", rules[i].ID.Hex(), err)
		}
		if ok {
			ownedRules = append(ownedRules, rules[i])
		}
	}
	r.logOwnershipChanges(ownedRules)

	workspaces, err := r.workspaces.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}

	desired := make(map[streamKey]models.ListenerRule, len(ownedRules)*len(workspaces))
	for _, rule := range ownedRules {
		for _, ws := range workspaces {
			key := streamKey{
				workspaceID: ws.ID.Hex(),
				collection:  rule.Collection,
				jobName:     rule.JobName,
			}
			desired[key] = rule
		}
	}

	// Close what is open but no longer desired. A stream whose rule
	// document changed since it was opened is closed too, so filter edits
	// take effect.
	r.mu.Lock()
	var stale []*ruleStream
	for key, s := range r.streams {
		rule, ok := desired[key]
		if ok && rule.UpdatedAt.Equal(s.ruleStamp) {
			delete(desired, key) // already running
			continue
		}
		delete(r.streams, key)
		stale = append(stale, s)
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.cancel()
		<-s.done
	}

	for key, rule := range desired {
		r.openStream(ctx, key, rule)
	}
	return nil
}

// logOwnershipChanges records which rules were gained or lost since the
// previous reconcile.
func (r *Router) logOwnershipChanges(ownedRules []models.ListenerRule) {
	current := make(map[primitive.ObjectID]string, len(ownedRules))
	for _, rule := range ownedRules {
		current[rule.ID] = rule.JobName
	}

	r.mu.Lock()
	previous := r.owned
	r.owned = current
	r.mu.Unlock()

	for id, job := range current {
		if _, had := previous[id]; !had {
			slog.Info("Acquired listener rule", "instance_id", r.instanceID, "rule_id", id.Hex(), "job", job)
		}
	}
	for id, job := range previous {
		if _, have := current[id]; !have {
			slog.Info("Lost listener rule", "instance_id", r.instanceID, "rule_id", id.Hex(), "job", job)
		}
	}
}
