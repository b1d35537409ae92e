package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/inboxsync/internal/bus"
	"github.com/matheus3301/inboxsync/internal/outbox"
	"github.com/matheus3301/inboxsync/internal/store"
	intsync "github.com/matheus3301/inboxsync/internal/sync"
)

// EventTimelineUpdated is published after every change to a loaded timeline.
const EventTimelineUpdated = "timeline.updated"

var (
	// ErrNotRetryable is returned when retrying a message that has not failed.
	ErrNotRetryable = errors.New("message is not in a retryable state")
	// ErrEmptyMessage is returned when composing a message with no content.
	ErrEmptyMessage = errors.New("message has no content or attachments")
)

// TimelineUpdate is the payload of timeline.updated.
type TimelineUpdate struct {
	ConversationID int64        `json:"conversationId"`
	Message        InboxMessage `json:"message"`
}

// Sender performs a direct send to the server.
type Sender interface {
	SendMessage(ctx context.Context, m *store.OfflineMessage) (*store.Message, error)
}

// Transport reports whether the realtime connection is open.
type Transport interface {
	Connected() bool
}

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	Online() bool
}

// Syncer schedules a drain of the offline queue.
type Syncer interface {
	RequestSync() bool
}

// Config configures a Service.
type Config struct {
	Author       Author
	SendTimeout  time.Duration
	HistoryLimit int
}

// Draft is a message the user wants to send.
type Draft struct {
	ConversationID int64
	Content        string
	IsInternal     bool
	ReplyToID      *int64
	Attachments    []store.Attachment
}

// Service turns send actions into either a direct send or an offline queue
// entry and keeps one timeline per opened conversation in step with the
// coordinator and inbound realtime events.
type Service struct {
	db        *store.DB
	sender    Sender
	transport Transport
	network   Connectivity
	syncer    Syncer
	bus       *bus.Bus
	logger    *zap.Logger
	cfg       Config

	mu        sync.Mutex
	timelines map[int64]*Timeline
	unsubs    []func()
}

// NewService creates a message service. transport, network and syncer may be
// nil; a nil transport or network disables direct sends.
func NewService(db *store.DB, sender Sender, transport Transport, network Connectivity, syncer Syncer, b *bus.Bus, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Service{
		db:        db,
		sender:    sender,
		transport: transport,
		network:   network,
		syncer:    syncer,
		bus:       b,
		logger:    logger,
		cfg:       cfg,
		timelines: make(map[int64]*Timeline),
	}
}

// Start subscribes the service to coordinator and ingest events.
func (s *Service) Start() {
	if s.bus == nil {
		return
	}
	s.unsubs = append(s.unsubs,
		s.bus.Listen(outbox.EventMessageSynced, s.onSynced),
		s.bus.Listen(outbox.EventMessageFailed, s.onFailed),
		s.bus.Listen(intsync.EventMessageReceived, s.onReceived),
		s.bus.Listen(intsync.EventMessageReceipt, s.onReceipt),
		s.bus.Listen(intsync.EventMessageBackfilled, s.onBackfilled),
	)
}

// Stop unsubscribes from the bus.
func (s *Service) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// Compose sends a new message. When the transport is connected and the
// network is online it tries a direct send first; otherwise, or when that
// fails, the message is queued and shown as sending. An error is returned only
// when the message could not be queued.
func (s *Service) Compose(ctx context.Context, d Draft) (InboxMessage, error) {
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return InboxMessage{}, ErrEmptyMessage
	}
	if d.ConversationID <= 0 {
		return InboxMessage{}, fmt.Errorf("compose: invalid conversation id %d", d.ConversationID)
	}

	om := &store.OfflineMessage{
		ID:             uuid.NewString(),
		ConversationID: d.ConversationID,
		Content:        d.Content,
		IsInternal:     d.IsInternal,
		ReplyToID:      d.ReplyToID,
		Attachments:    d.Attachments,
		CreatedAt:      time.Now(),
	}
	log := s.logger.With(zap.String("offline_id", om.ID), zap.Int64("conversation_id", om.ConversationID))
	tl := s.hydrated(d.ConversationID)

	if s.canSendDirect() {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		srv, err := s.sender.SendMessage(sendCtx, om)
		cancel()
		if err == nil {
			if err := s.db.UpsertMessage(srv); err != nil {
				log.Warn("failed to cache server message", zap.Error(err))
			}
			msg := tl.Merge(*srv)
			log.Debug("message sent directly", zap.Int64("server_id", srv.ID))
			s.publish(d.ConversationID, msg)
			return msg, nil
		}
		log.Warn("direct send failed, queueing", zap.Error(err))
	}

	if err := s.db.Enqueue(om); err != nil {
		return InboxMessage{}, fmt.Errorf("queue message: %w", err)
	}
	msg := FromOffline(*om, s.cfg.Author)
	if tl.AddPending(msg) {
		s.publish(d.ConversationID, msg)
	}
	log.Info("message queued")

	s.requestSync()
	return msg, nil
}

// Retry re-queues a failed message with a fresh retry budget.
func (s *Service) Retry(id string) (InboxMessage, error) {
	om, err := s.db.Get(id)
	if err != nil {
		return InboxMessage{}, err
	}
	if om.Status != store.StatusFailed {
		return InboxMessage{}, fmt.Errorf("retry %s (%s): %w", id, om.Status, ErrNotRetryable)
	}
	if err := s.db.ResetForRetry(id); err != nil {
		return InboxMessage{}, err
	}
	om.Status = store.StatusQueued
	om.RetryCount = 0
	om.LastError = ""

	msg := FromOffline(*om, s.cfg.Author)
	if tl := s.loaded(om.ConversationID); tl != nil {
		if m, ok := tl.MarkSending(id); ok {
			msg = m
		} else {
			tl.AddPending(msg)
		}
		s.publish(om.ConversationID, msg)
	}
	s.logger.Info("message re-queued for retry", zap.String("offline_id", id))

	s.requestSync()
	return msg, nil
}

// Open loads a conversation's timeline from the local cache and the offline
// queue and returns it.
func (s *Service) Open(conversationID int64) ([]InboxMessage, error) {
	cached, err := s.db.ListMessages(conversationID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load cached messages: %w", err)
	}
	queued, err := s.db.ListForConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load queued messages: %w", err)
	}

	tl := s.timeline(conversationID)
	for _, om := range queued {
		tl.AddPending(FromOffline(om, s.cfg.Author))
	}
	for _, m := range cached {
		tl.Merge(m)
	}
	return tl.Messages(), nil
}

// Messages returns a conversation's timeline, opening it if needed.
func (s *Service) Messages(conversationID int64) ([]InboxMessage, error) {
	if tl := s.loaded(conversationID); tl != nil {
		return tl.Messages(), nil
	}
	return s.Open(conversationID)
}

// Close forgets a conversation's timeline.
func (s *Service) Close(conversationID int64) {
	s.mu.Lock()
	delete(s.timelines, conversationID)
	s.mu.Unlock()
}

func (s *Service) onSynced(evt bus.Event) {
	p, ok := evt.Payload.(outbox.Synced)
	if !ok || p.Message == nil {
		return
	}
	if tl := s.loaded(p.ConversationID); tl != nil {
		s.publish(p.ConversationID, tl.Reconcile(p.OfflineID, *p.Message))
	}
}

func (s *Service) onFailed(evt bus.Event) {
	p, ok := evt.Payload.(outbox.Failed)
	if !ok {
		return
	}
	if tl := s.loaded(p.ConversationID); tl != nil {
		if m, changed := tl.MarkError(p.OfflineID, p.Error); changed {
			s.publish(p.ConversationID, m)
		}
	}
}

func (s *Service) onReceived(evt bus.Event) {
	m, ok := evt.Payload.(*store.Message)
	if !ok || m == nil {
		return
	}
	if tl := s.loaded(m.ConversationID); tl != nil {
		s.publish(m.ConversationID, tl.Merge(*m))
	}
}

func (s *Service) onReceipt(evt bus.Event) {
	r, ok := evt.Payload.(intsync.Receipt)
	if !ok {
		return
	}
	if tl := s.loaded(r.ConversationID); tl != nil {
		if m, changed := tl.ApplyReceipt(r.MessageID, DeliveryStatus(r.Status)); changed {
			s.publish(r.ConversationID, m)
		}
	}
}

func (s *Service) onBackfilled(evt bus.Event) {
	p, ok := evt.Payload.(intsync.Backfilled)
	if !ok {
		return
	}
	tl := s.loaded(p.ConversationID)
	if tl == nil {
		return
	}
	for _, m := range p.Messages {
		if m != nil {
			s.publish(p.ConversationID, tl.Merge(*m))
		}
	}
}

func (s *Service) timeline(conversationID int64) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[conversationID]
	if !ok {
		tl = NewTimeline(conversationID)
		s.timelines[conversationID] = tl
	}
	return tl
}

// hydrated returns the conversation's timeline, loading it from the store
// first if it is not open yet.
func (s *Service) hydrated(conversationID int64) *Timeline {
	if tl := s.loaded(conversationID); tl != nil {
		return tl
	}
	if _, err := s.Open(conversationID); err != nil {
		s.logger.Warn("failed to load timeline", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
	return s.timeline(conversationID)
}

func (s *Service) loaded(conversationID int64) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timelines[conversationID]
}

func (s *Service) canSendDirect() bool {
	return s.sender != nil && s.transport != nil && s.network != nil &&
		s.network.Online() && s.transport.Connected()
}

func (s *Service) requestSync() {
	if s.syncer == nil {
		return
	}
	if s.network != nil && !s.network.Online() {
		return
	}
	s.syncer.RequestSync()
}

func (s *Service) publish(conversationID int64, m InboxMessage) {
	if s.bus != nil {
		s.bus.Emit(EventTimelineUpdated, TimelineUpdate{ConversationID: conversationID, Message: m})
	}
}
