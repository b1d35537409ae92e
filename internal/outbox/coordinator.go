// Package outbox drains the offline queue against the inbox server.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/inboxsync/internal/bus"
	"github.com/matheus3301/inboxsync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrSyncInProgress is returned by SyncNow when a drain pass is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is returned by SyncNow while the network is offline.
	ErrOffline = errors.New("network offline")
)

const lastResultKey = "last_sync_result"

// Sender delivers one offline message to the server. Implementations must
// send m.ID as the idempotency key.
type Sender interface {
	SendMessage(ctx context.Context, m *store.OfflineMessage) (*store.Message, error)
}

// Connectivity reports the host's online state.
type Connectivity interface {
	Online() bool
}

// Config tunes the coordinator.
type Config struct {
	MaxRetries   int
	SettleDelay  time.Duration
	PollInterval time.Duration
	SendTimeout  time.Duration
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		SettleDelay:  750 * time.Millisecond,
		PollInterval: 30 * time.Second,
		SendTimeout:  20 * time.Second,
	}
}

// Status is a snapshot of the coordinator.
type Status struct {
	Syncing    bool       `json:"syncing"`
	LastResult SyncResult `json:"lastResult"`
	LastSyncAt time.Time  `json:"lastSyncAt"`
}

// Coordinator runs at most one drain pass at a time. Triggers that arrive
// while a pass is running collapse into a single follow-up pass.
type Coordinator struct {
	db      *store.DB
	sender  Sender
	network Connectivity
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	mu      sync.Mutex
	running bool
	rerun   bool
	stopped bool
	last    SyncResult
	lastAt  time.Time
	settle  *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator. A nil network is treated as always online.
func NewCoordinator(db *store.DB, sender Sender, network Connectivity, b *bus.Bus, logger *zap.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Coordinator{
		db:      db,
		sender:  sender,
		network: network,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		ctx:     context.Background(),
	}
}

// Start subscribes to network.online edges and starts the periodic poll.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.loadLastResult()

	if c.bus != nil {
		c.unsub = c.bus.Listen("network.online", func(bus.Event) {
			c.logger.Info("network online, requesting sync")
			c.RequestSync()
		})
	}
	if c.cfg.PollInterval > 0 {
		c.wg.Add(1)
		go c.loop(c.ctx)
	}
}

// Stop cancels pending triggers and waits for a running pass to finish.
func (c *Coordinator) Stop() {
	if c.unsub != nil {
		c.unsub()
	}
	c.mu.Lock()
	c.stopped = true
	if c.settle != nil {
		c.settle.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := c.db.Count(); err == nil && n > 0 {
				c.RequestSync()
			}
		case <-ctx.Done():
			return
		}
	}
}

// RequestSync starts a drain pass in the background. It returns false when
// the network is offline or a pass is already running; in the latter case a
// follow-up pass is scheduled if the queue is non-empty once it completes.
func (c *Coordinator) RequestSync() bool {
	if !c.online() {
		c.logger.Debug("sync requested while offline, skipping")
		return false
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	if c.running {
		c.rerun = true
		c.mu.Unlock()
		return false
	}
	c.running = true
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_, _ = c.run(ctx)
	}()
	return true
}

// SyncNow runs a drain pass on the calling goroutine and returns its result.
func (c *Coordinator) SyncNow(ctx context.Context) (SyncResult, error) {
	if !c.online() {
		return SyncResult{}, ErrOffline
	}
	c.mu.Lock()
	if c.running {
		c.rerun = true
		c.mu.Unlock()
		return SyncResult{}, ErrSyncInProgress
	}
	c.running = true
	c.mu.Unlock()
	return c.run(ctx)
}

// NotifyReconnected schedules a sync after the settle delay. Repeated
// signals within the delay restart it.
func (c *Coordinator) NotifyReconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.settle != nil {
		c.settle.Stop()
	}
	c.settle = time.AfterFunc(c.cfg.SettleDelay, func() {
		c.logger.Info("transport reconnected, requesting sync")
		c.RequestSync()
	})
}

// Status returns whether a pass is running and the last pass result.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Syncing: c.running, LastResult: c.last, LastSyncAt: c.lastAt}
}

// run executes one pass plus any follow-ups, then clears the running flag.
// The caller must have set running.
func (c *Coordinator) run(ctx context.Context) (SyncResult, error) {
	first, err := c.pass(ctx)
	for {
		c.mu.Lock()
		if !c.rerun || c.stopped {
			c.running = false
			c.rerun = false
			c.mu.Unlock()
			return first, err
		}
		c.rerun = false
		c.mu.Unlock()

		n, cerr := c.db.Count()
		if cerr != nil {
			c.logger.Error("failed to count queue", zap.Error(cerr))
			continue
		}
		if n > 0 && c.online() {
			c.logger.Debug("starting follow-up pass", zap.Int("queued", n))
			_, _ = c.pass(ctx)
		}
	}
}

// pass drains a snapshot of the queue in FIFO order. Per-entry failures are
// turned into status transitions; only a failure to read the queue is returned.
func (c *Coordinator) pass(ctx context.Context) (SyncResult, error) {
	ctx = context.WithoutCancel(ctx)

	entries, err := c.db.ListQueued()
	if err != nil {
		c.logger.Error("failed to read offline queue", zap.Error(err))
		return SyncResult{}, fmt.Errorf("list queued: %w", err)
	}

	res := SyncResult{Total: len(entries)}
	c.emit(EventSyncStarted, SyncStarted{Total: res.Total})

	for i := range entries {
		m := &entries[i]
		outcome := c.process(ctx, m)
		if outcome == OutcomeSent {
			res.Success++
		} else {
			res.Failed++
		}
		c.emit(EventSyncProgress, SyncProgress{Index: i + 1, Total: res.Total, OfflineID: m.ID, Outcome: outcome})
	}

	c.recordResult(res)
	c.emit(EventSyncCompleted, res)
	if res.Total > 0 {
		c.logger.Info("sync pass complete",
			zap.Int("success", res.Success), zap.Int("failed", res.Failed), zap.Int("total", res.Total))
	}
	return res, nil
}

func (c *Coordinator) process(ctx context.Context, m *store.OfflineMessage) Outcome {
	log := c.logger.With(zap.String("offline_id", m.ID), zap.Int64("conversation_id", m.ConversationID))

	if m.RetryCount >= c.cfg.MaxRetries {
		c.fail(log, m, m.RetryCount, m.LastError)
		return OutcomeFailed
	}

	if err := c.db.UpdateStatus(m.ID, store.StatusSyncing, ""); err != nil {
		log.Error("failed to mark syncing", zap.Error(err))
		return OutcomeFailed
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	srv, err := c.sender.SendMessage(sendCtx, m)
	cancel()
	if err != nil {
		return c.handleSendError(log, m, err)
	}

	if err := c.db.Remove(m.ID); err != nil {
		// The server has it; a resend with the same externalId is harmless.
		log.Error("failed to remove synced message", zap.Error(err))
	}
	if err := c.db.UpsertMessage(srv); err != nil {
		log.Warn("failed to cache server message", zap.Error(err))
	}

	log.Info("message synced", zap.Int64("server_id", srv.ID))
	c.emit(EventMessageSynced, Synced{
		OfflineID:      m.ID,
		ServerID:       srv.ID,
		ConversationID: m.ConversationID,
		Message:        srv,
	})
	return OutcomeSent
}

// handleSendError requeues the entry and fails it once it has used up its
// retries. Every error class counts against the same bound, so an expired
// token or a server hiccup never costs a message more than MaxRetries sends.
func (c *Coordinator) handleSendError(log *zap.Logger, m *store.OfflineMessage, sendErr error) Outcome {
	msg := sendErr.Error()

	if err := c.db.UpdateStatus(m.ID, store.StatusQueued, msg); err != nil {
		log.Error("failed to requeue", zap.Error(err))
		return OutcomeRequeued
	}
	retries := m.RetryCount + 1
	log.Warn("send failed, requeued", zap.Error(sendErr), zap.Int("retry_count", retries))

	if retries >= c.cfg.MaxRetries {
		c.fail(log, m, retries, msg)
		return OutcomeFailed
	}
	c.emit(EventMessageRequeued, Requeued{
		OfflineID:      m.ID,
		ConversationID: m.ConversationID,
		RetryCount:     retries,
		Error:          msg,
	})
	return OutcomeRequeued
}

// fail marks an entry terminally failed and announces it.
func (c *Coordinator) fail(log *zap.Logger, m *store.OfflineMessage, retries int, reason string) {
	if err := c.db.UpdateStatus(m.ID, store.StatusFailed, reason); err != nil {
		log.Error("failed to mark failed", zap.Error(err))
		return
	}
	log.Warn("message failed permanently", zap.Int("retry_count", retries), zap.String("last_error", reason))
	c.emit(EventMessageFailed, Failed{
		OfflineID:      m.ID,
		ConversationID: m.ConversationID,
		RetryCount:     retries,
		Error:          reason,
	})
}

func (c *Coordinator) recordResult(res SyncResult) {
	now := time.Now()
	c.mu.Lock()
	c.last = res
	c.lastAt = now
	c.mu.Unlock()

	data, _ := json.Marshal(struct {
		SyncResult
		At int64 `json:"at"`
	}{res, now.UnixMilli()})
	if err := c.db.SetState(lastResultKey, string(data)); err != nil {
		c.logger.Warn("failed to persist sync result", zap.Error(err))
	}
}

func (c *Coordinator) loadLastResult() {
	raw, err := c.db.GetState(lastResultKey)
	if err != nil {
		return
	}
	var saved struct {
		SyncResult
		At int64 `json:"at"`
	}
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		c.logger.Warn("ignoring corrupt sync checkpoint", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.last = saved.SyncResult
	c.lastAt = time.UnixMilli(saved.At)
	c.mu.Unlock()
}

func (c *Coordinator) online() bool {
	return c.network == nil || c.network.Online()
}

func (c *Coordinator) emit(kind string, payload any) {
	if c.bus != nil {
		c.bus.Emit(kind, payload)
	}
}
