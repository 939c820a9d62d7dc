package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay/internal/gate"
	"relay/internal/metrics"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Store is the storage surface the router needs.
type Store interface {
	interfaces.MembershipStore
	interfaces.MessageStore
	interfaces.ReadReceiptStore
}

// Router handles inbound client events for admitted connections: message
// submission, typing signals and read receipts.
type Router struct {
	store    Store
	rooms    interfaces.RoomRegistry
	presence interfaces.PresenceStore
	push     interfaces.PushDispatcher
	limiter  *gate.RateLimiter
	metrics  *metrics.Metrics

	// per-thread locks keep persistence and broadcast order identical
	locks sync.Map

	now func() time.Time
}

// Options are optional router collaborators. Nil fields disable the
// corresponding feature.
type Options struct {
	Push    interfaces.PushDispatcher
	Limiter *gate.RateLimiter
	Metrics *metrics.Metrics
}

func New(store Store, rooms interfaces.RoomRegistry, presence interfaces.PresenceStore, opts Options) *Router {
	return &Router{
		store:    store,
		rooms:    rooms,
		presence: presence,
		push:     opts.Push,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// Route dispatches a decoded inbound event. The returned error is meant
// for the originating connection only; see ClientMessage.
func (r *Router) Route(ctx context.Context, conn interfaces.Connection, ev *types.InboundEvent) error {
	r.metrics.Event(ev.Name)

	switch ev.Name {
	case types.EventSendMessage:
		_, err := r.SubmitMessage(ctx, conn, ev.SendMessage.ThreadID, ev.SendMessage.Content)
		return err
	case types.EventTypingStart:
		r.Typing(conn, ev.Typing.ThreadID, true)
		return nil
	case types.EventTypingStop:
		r.Typing(conn, ev.Typing.ThreadID, false)
		return nil
	case types.EventMarkRead:
		_, err := r.MarkRead(ctx, conn, ev.MarkRead.MessageID)
		return err
	default:
		return types.ErrUnknownEvent
	}
}

func (r *Router) threadLock(threadID string) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(threadID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// SubmitMessage persists content from conn's user into threadID, fans it out
// to the thread room (sender included) and queues pushes for offline members.
func (r *Router) SubmitMessage(ctx context.Context, conn interfaces.Connection, threadID, content string) (*types.Message, error) {
	senderID := conn.UserID()

	if r.limiter != nil && !r.limiter.Allow(senderID, r.now()) {
		return nil, ErrRateLimitExceeded
	}

	member, err := r.store.IsMember(ctx, threadID, senderID)
	if err != nil {
		zap.S().Errorw("membership check failed",
			"thread_id", threadID,
			"user_id", senderID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if !member {
		return nil, ErrNotThreadMember
	}

	message, err := r.persistAndBroadcast(ctx, threadID, senderID, content)
	if err != nil {
		return nil, err
	}

	r.metrics.MessageSent()
	r.notifyOffline(ctx, message)

	return message, nil
}

func (r *Router) persistAndBroadcast(ctx context.Context, threadID, senderID, content string) (*types.Message, error) {
	lock := r.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	message, err := r.store.CreateMessage(ctx, threadID, senderID, content)
	if err != nil {
		zap.S().Errorw("failed to persist message",
			"thread_id", threadID,
			"user_id", senderID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if err := r.store.SetLastMessage(ctx, threadID, message.ID); err != nil {
		zap.S().Warnw("failed to update thread last message",
			"thread_id", threadID,
			"message_id", message.ID,
			"error", err,
		)
	}

	r.rooms.Broadcast(types.ThreadRoom(threadID), types.OutboundEvent{
		Event: types.EventNewMessage,
		Data:  types.NewMessagePayload{Message: message, ThreadID: threadID},
	}, "")

	return message, nil
}

// notifyOffline queues one push job per thread member, other than the
// sender, who is not online right now.
func (r *Router) notifyOffline(ctx context.Context, message *types.Message) {
	if r.push == nil {
		return
	}

	members, err := r.store.ListMembers(ctx, message.ThreadID)
	if err != nil {
		zap.S().Errorw("failed to list thread members for push",
			"thread_id", message.ThreadID,
			"error", err,
		)
		return
	}

	title := "New message"
	if message.Sender != nil && message.Sender.DisplayName != "" {
		title = message.Sender.DisplayName
	}

	for _, memberID := range members {
		if memberID == message.SenderID {
			continue
		}

		online, err := r.presence.IsOnline(ctx, memberID)
		if err != nil {
			zap.S().Warnw("presence lookup failed, treating member as offline",
				"user_id", memberID,
				"error", err,
			)
		}
		if online {
			continue
		}

		job := interfaces.PushJob{
			RecipientID: memberID,
			Title:       title,
			Body:        message.Content,
			Data: map[string]string{
				"type":      types.EventNewMessage,
				"threadId":  message.ThreadID,
				"messageId": message.ID,
			},
		}
		if err := r.push.Enqueue(job); err != nil {
			zap.S().Warnw("failed to queue push notification",
				"user_id", memberID,
				"message_id", message.ID,
				"error", err,
			)
		}
	}
}

// Typing relays a typing signal to the thread room, excluding the origin.
// Signals for a thread the connection is not subscribed to are dropped.
func (r *Router) Typing(conn interfaces.Connection, threadID string, isTyping bool) {
	room := types.ThreadRoom(threadID)
	if !r.rooms.IsSubscribed(conn.ID(), room) {
		return
	}

	r.rooms.Broadcast(room, types.OutboundEvent{
		Event: types.EventUserTyping,
		Data: types.UserTypingPayload{
			UserID:   conn.UserID(),
			ThreadID: threadID,
			IsTyping: isTyping,
		},
	}, conn.ID())
}

// MarkRead records that conn's user read messageID and tells the thread.
func (r *Router) MarkRead(ctx context.Context, conn interfaces.Connection, messageID string) (*types.ReadReceipt, error) {
	userID := conn.UserID()

	message, err := r.store.GetMessage(ctx, messageID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrNotFoundOrDenied
	}
	if err != nil {
		zap.S().Errorw("failed to load message for read receipt",
			"message_id", messageID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrMarkReadFailed, err)
	}

	member, err := r.store.IsMember(ctx, message.ThreadID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarkReadFailed, err)
	}
	if !member {
		return nil, ErrNotFoundOrDenied
	}

	receipt := &types.ReadReceipt{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    r.now().UTC(),
	}
	if err := r.store.UpsertRead(ctx, receipt.MessageID, receipt.UserID, receipt.ReadAt); err != nil {
		zap.S().Errorw("failed to store read receipt",
			"message_id", messageID,
			"user_id", userID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrMarkReadFailed, err)
	}

	r.rooms.Broadcast(types.ThreadRoom(message.ThreadID), types.OutboundEvent{
		Event: types.EventMessageRead,
		Data: types.MessageReadPayload{
			MessageID: messageID,
			UserID:    userID,
			ThreadID:  message.ThreadID,
			ReadAt:    receipt.ReadAt,
		},
	}, "")

	return receipt, nil
}
