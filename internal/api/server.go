package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/inboxsync/internal/bus"
	"github.com/matheus3301/inboxsync/internal/grouping"
	"github.com/matheus3301/inboxsync/internal/message"
	"github.com/matheus3301/inboxsync/internal/outbox"
	"github.com/matheus3301/inboxsync/internal/status"
	"github.com/matheus3301/inboxsync/internal/store"
)

const backfillTimeout = 30 * time.Second

// Rooms selects the conversation whose realtime room is joined.
type Rooms interface {
	SetActiveConversation(id int64)
	ActiveConversation() int64
}

// Backfiller loads the latest server messages of a conversation.
type Backfiller interface {
	Backfill(ctx context.Context, conversationID int64) (int, error)
}

// Deps are the components the Inbox service drives.
type Deps struct {
	SessionName string
	DB          *store.DB
	Coordinator *outbox.Coordinator
	Messages    *message.Service
	Network     *status.Network
	Machine     *status.Machine
	Rooms       Rooms
	Backfiller  Backfiller
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Service implements InboxServer.
type Service struct {
	Deps
	startedAt time.Time
}

var _ InboxServer = (*Service)(nil)

// NewService creates the Inbox service. Rooms and Backfiller may be nil.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{Deps: d, startedAt: time.Now()}
}

func (s *Service) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats, err := s.DB.Stats()
	if err != nil {
		return nil, toStatus(err)
	}
	cs := s.Coordinator.Status()
	info := StatusInfo{
		Session:    s.SessionName,
		StartedAt:  s.startedAt,
		Transport:  string(s.Machine.Current()),
		Online:     s.Network.Online(),
		Syncing:    cs.Syncing,
		Queue:      stats,
		LastResult: cs.LastResult,
		LastSyncAt: cs.LastSyncAt,
	}
	if s.Rooms != nil {
		info.ActiveConversation = s.Rooms.ActiveConversation()
	}
	return toStruct(info)
}

func (s *Service) RequestSync(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := s.Coordinator.SyncNow(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *Service) ListQueue(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	items, err := s.DB.ListAll()
	if err != nil {
		return nil, toStatus(err)
	}
	if items == nil {
		items = []store.OfflineMessage{}
	}
	return toStruct(QueueList{Items: items})
}

func (s *Service) RetryMessage(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message id is required")
	}
	m, err := s.Messages.Retry(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(m)
}

func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var sr SendRequest
	if err := fromStruct(req, &sr); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := checkWireID("conversationId", sr.ConversationID); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if sr.ReplyToID != nil {
		if err := checkWireID("replyToId", *sr.ReplyToID); err != nil {
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
	}
	m, err := s.Messages.Compose(ctx, message.Draft{
		ConversationID: sr.ConversationID,
		Content:        sr.Content,
		IsInternal:     sr.IsInternal,
		ReplyToID:      sr.ReplyToID,
		Attachments:    sr.Attachments,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(m)
}

func (s *Service) ListMessages(_ context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	id := req.GetValue()
	if id <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	if err := checkWireID("conversationId", id); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	msgs, err := s.Messages.Messages(id)
	if err != nil {
		return nil, toStatus(err)
	}
	groups := grouping.GroupMessages(msgs)
	if groups == nil {
		groups = []grouping.MessageGroup{}
	}
	return toStruct(MessageList{ConversationID: id, Groups: groups})
}

func (s *Service) SetOnline(_ context.Context, req *wrapperspb.BoolValue) (*structpb.Struct, error) {
	changed := s.Network.SetOnline(req.GetValue())
	return toStruct(OnlineResult{Online: s.Network.Online(), Changed: changed})
}

func (s *Service) SetActiveConversation(_ context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	id := req.GetValue()
	if id < 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id must not be negative")
	}
	if s.Rooms != nil {
		s.Rooms.SetActiveConversation(id)
	}
	if id == 0 {
		return &emptypb.Empty{}, nil
	}
	if _, err := s.Messages.Open(id); err != nil {
		return nil, toStatus(err)
	}
	if s.Backfiller != nil && s.Network.Online() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
			defer cancel()
			if _, err := s.Backfiller.Backfill(ctx, id); err != nil {
				s.Logger.Warn("backfill failed", zap.Int64("conversation_id", id), zap.Error(err))
			}
		}()
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) WatchEvents(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.Bus.Subscribe(req.GetValue(), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.Logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			out, err := toStruct(EventEnvelope{
				EventID:    uuid.New().String(),
				Session:    s.SessionName,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    payload,
			})
			if err != nil {
				return toStatus(err)
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, message.ErrNotRetryable), errors.Is(err, outbox.ErrOffline):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, outbox.ErrSyncInProgress):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, message.ErrEmptyMessage):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
