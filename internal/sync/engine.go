package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inboxsync/internal/bus"
	"github.com/matheus3301/inboxsync/internal/realtime"
	"github.com/matheus3301/inboxsync/internal/store"
)

// Bus event kinds published by the Engine.
const (
	EventMessageReceived   = "message.received"
	EventMessageReceipt    = "message.receipt"
	EventMessageBackfilled = "message.backfilled"
	EventTyping            = "realtime.typing"
	EventPresence          = "realtime.presence"
	EventEntityChanged     = "realtime.entity_changed"
)

// Receipt is the payload of message.receipt.
type Receipt struct {
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId,omitempty"`
	Status         string `json:"status"`
	Advanced       bool   `json:"advanced"`
}

// Backfilled is the payload of message.backfilled.
type Backfilled struct {
	ConversationID int64            `json:"conversationId"`
	Messages       []*store.Message `json:"messages"`
}

// Fetcher loads recent server messages for a conversation.
type Fetcher interface {
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]*store.Message, error)
}

// Source is the realtime connection the engine ingests from.
type Source interface {
	Subscribe(fn func(realtime.Frame)) func()
	OnReconnect(fn func()) func()
	ActiveConversation() int64
}

// Engine turns inbound realtime frames into idempotent cache writes and bus
// events, and backfills the active conversation after every reconnect.
type Engine struct {
	db      *store.DB
	bus     *bus.Bus
	fetcher Fetcher
	limit   int
	logger  *zap.Logger
	cancel  context.CancelFunc
	unsubs  []func()
}

// NewEngine creates a new sync engine. fetcher may be nil to disable backfill.
func NewEngine(db *store.DB, b *bus.Bus, fetcher Fetcher, backfillLimit int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backfillLimit <= 0 {
		backfillLimit = 50
	}
	return &Engine{
		db:      db,
		bus:     b,
		fetcher: fetcher,
		limit:   backfillLimit,
		logger:  logger,
	}
}

// Start attaches the engine to a realtime source.
func (e *Engine) Start(ctx context.Context, src Source) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.unsubs = append(e.unsubs,
		src.Subscribe(e.HandleFrame),
		src.OnReconnect(func() {
			id := src.ActiveConversation()
			if id == 0 || e.fetcher == nil {
				return
			}
			go func() {
				if _, err := e.Backfill(ctx, id); err != nil && ctx.Err() == nil {
					e.logger.Warn("backfill failed", zap.Int64("conversation_id", id), zap.Error(err))
				}
			}()
		}),
	)
}

// Stop detaches the engine.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	if e.cancel != nil {
		e.cancel()
	}
}

// HandleFrame dispatches one inbound frame. Frames with an unusable payload
// are logged and dropped.
func (e *Engine) HandleFrame(f realtime.Frame) {
	switch f.Type {
	case realtime.TypeMessageNew:
		var msg store.Message
		if err := f.Decode(&msg); err != nil || msg.ID <= 0 || msg.ConversationID <= 0 {
			e.drop(f, err)
			return
		}
		if err := e.IngestMessage(&msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.Int64("server_id", msg.ID))
		}
	case realtime.TypeMessageDelivered, realtime.TypeMessageRead:
		var p realtime.ReceiptPayload
		if err := f.Decode(&p); err != nil || p.MessageID <= 0 {
			e.drop(f, err)
			return
		}
		status := "delivered"
		if f.Type == realtime.TypeMessageRead {
			status = "read"
		}
		if err := e.ApplyReceipt(p, status); err != nil {
			e.logger.Error("failed to apply receipt", zap.Error(err), zap.Int64("server_id", p.MessageID))
		}
	case realtime.TypeTyping:
		var p realtime.TypingPayload
		if err := f.Decode(&p); err != nil {
			e.drop(f, err)
			return
		}
		e.bus.Emit(EventTyping, p)
	case realtime.TypePresence:
		var p realtime.PresencePayload
		if err := f.Decode(&p); err != nil {
			e.drop(f, err)
			return
		}
		e.bus.Emit(EventPresence, p)
	case realtime.TypeEntityChanged:
		var p realtime.EntityChangedPayload
		if err := f.Decode(&p); err != nil {
			e.drop(f, err)
			return
		}
		e.bus.Emit(EventEntityChanged, p)
	default:
		e.logger.Debug("ignoring realtime frame", zap.String("type", f.Type))
	}
}

func (e *Engine) drop(f realtime.Frame, err error) {
	e.logger.Warn("dropping realtime frame", zap.String("type", f.Type), zap.Error(err))
}

// IngestMessage upserts a single server message into the cache (idempotent)
// and publishes the stored copy.
func (e *Engine) IngestMessage(msg *store.Message) error {
	if msg.Status == "" {
		msg.Status = "sent"
	}
	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	stored, err := e.db.GetMessage(msg.ID)
	if err != nil {
		return fmt.Errorf("reload message: %w", err)
	}
	e.bus.Emit(EventMessageReceived, stored)
	return nil
}

// ApplyReceipt advances a cached message's delivery status. The receipt is
// published even when the message is not cached.
func (e *Engine) ApplyReceipt(p realtime.ReceiptPayload, status string) error {
	advanced, err := e.db.AdvanceMessageStatus(p.MessageID, status)
	if err != nil {
		return fmt.Errorf("advance status: %w", err)
	}
	e.bus.Emit(EventMessageReceipt, Receipt{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		Status:         status,
		Advanced:       advanced,
	})
	return nil
}

// IngestBatch writes a batch of server messages in one transaction.
func (e *Engine) IngestBatch(conversationID int64, msgs []*store.Message) error {
	for _, m := range msgs {
		if m.Status == "" {
			m.Status = "sent"
		}
	}
	if err := e.db.UpsertMessages(msgs); err != nil {
		return fmt.Errorf("ingest batch: %w", err)
	}
	e.bus.Emit(EventMessageBackfilled, Backfilled{ConversationID: conversationID, Messages: msgs})
	return nil
}

// Backfill fetches the latest messages of a conversation and ingests them.
func (e *Engine) Backfill(ctx context.Context, conversationID int64) (int, error) {
	if e.fetcher == nil {
		return 0, nil
	}
	msgs, err := e.fetcher.ListMessages(ctx, conversationID, e.limit)
	if err != nil {
		return 0, fmt.Errorf("fetch messages: %w", err)
	}
	if err := e.IngestBatch(conversationID, msgs); err != nil {
		return 0, err
	}
	if err := e.db.SetState(backfillKey(conversationID), strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		e.logger.Warn("failed to record backfill checkpoint", zap.Error(err))
	}
	e.logger.Info("conversation backfilled",
		zap.Int64("conversation_id", conversationID), zap.Int("messages", len(msgs)))
	return len(msgs), nil
}

// LastBackfill returns when a conversation was last backfilled.
func (e *Engine) LastBackfill(conversationID int64) (time.Time, bool) {
	raw, err := e.db.GetState(backfillKey(conversationID))
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func backfillKey(conversationID int64) string {
	return "backfill:" + strconv.FormatInt(conversationID, 10)
}
