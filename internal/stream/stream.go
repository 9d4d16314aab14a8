// Package stream synchronizes one chat: a message subscription and a
// typing subscription established and torn down together, plus the send,
// delete and typing operations that write through the gateway.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hehehe1cracka/empathic-space-hub/internal/classify"
	"github.com/hehehe1cracka/empathic-space-hub/internal/content"
	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
	"github.com/hehehe1cracka/empathic-space-hub/internal/ops"
)

const (
	// MessageWindow caps the live view; older history is not retrievable
	// through this stream.
	MessageWindow = 100
	// SummaryLength caps the denormalized last-message text on the chat.
	SummaryLength = 50
	// TypingIdleTimeout is how long after the last keystroke the typing
	// flag is cleared.
	TypingIdleTimeout = 2 * time.Second
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrClosed       = errors.New("stream is closed")
)

// ToxicContentError rejects a send before any write happens. The caller
// should let the user edit and resubmit.
type ToxicContentError struct {
	Reason string
}

func (e *ToxicContentError) Error() string {
	return fmt.Sprintf("message rejected: %s", e.Reason)
}

// Sync is the per-chat state machine. Create one with Open when a chat is
// selected and Close it when the selection changes; a Sync that outlives
// its chat keeps delivering updates for a conversation nobody is looking at.
type Sync struct {
	gw       gateway.Gateway
	chatID   string
	selfID   string
	selfName string

	messages chan []models.Message
	typing   chan []string

	msgUnsub    gateway.UnsubscribeFunc
	typingUnsub gateway.UnsubscribeFunc
	closed      bool

	now func() time.Time
	mu  sync.Mutex
}

// Open establishes the message and typing subscriptions for chatID.
func Open(gw gateway.Gateway, chatID, selfID, selfName string) (*Sync, error) {
	s := &Sync{
		gw:       gw,
		chatID:   chatID,
		selfID:   selfID,
		selfName: selfName,
		messages: make(chan []models.Message, 8),
		typing:   make(chan []string, 8),
		now:      time.Now,
	}

	msgUnsub, err := gw.SubscribeQuery(
		s.path("messages"),
		gateway.Query{OrderBy: "createdAt", LimitLast: MessageWindow},
		s.onMessages,
	)
	if err != nil {
		return nil, fmt.Errorf("message subscription failed: %w", err)
	}

	typingUnsub, err := gw.Subscribe(s.path("typing"), s.onTyping)
	if err != nil {
		msgUnsub()
		return nil, fmt.Errorf("typing subscription failed: %w", err)
	}

	s.msgUnsub = msgUnsub
	s.typingUnsub = typingUnsub
	return s, nil
}

// Messages streams the visible (non-deleted) message window, oldest first.
func (s *Sync) Messages() <-chan []models.Message {
	return s.messages
}

// Typing streams the set of other users currently composing.
func (s *Sync) Typing() <-chan []string {
	return s.typing
}

// Close tears down both subscriptions together.
func (s *Sync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	msgUnsub, typingUnsub := s.msgUnsub, s.typingUnsub
	s.mu.Unlock()

	if msgUnsub != nil {
		msgUnsub()
	}
	if typingUnsub != nil {
		typingUnsub()
	}
}

// Send screens, classifies and appends a message, then updates the chat
// summary and clears the sender's typing flag. The writes run in that
// order, each awaited, with no atomicity across them. Returns the detected
// emotion so the caller can trigger a supportive response.
func (s *Sync) Send(ctx context.Context, text string) (models.EmotionTag, error) {
	if s.isClosed() {
		return "", ErrClosed
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}

	if verdict := classify.Toxicity(trimmed); verdict.IsToxic {
		return "", &ToxicContentError{Reason: verdict.Reason}
	}

	clean := content.Sanitize(trimmed)
	emotion := classify.Emotion(clean)

	msg := models.Message{
		SenderID:   s.selfID,
		SenderName: s.selfName,
		Text:       clean,
		CreatedAt:  s.now().Unix(),
		Emotion:    emotion,
		Toxic:      false,
	}

	if _, err := s.gw.Push(ctx, s.path("messages"), msg); err != nil {
		return "", ops.Step("message", err)
	}
	if err := s.gw.Write(ctx, "chats/"+s.chatID+"/lastMessage", content.Truncate(clean, SummaryLength)); err != nil {
		return emotion, ops.Step("chat summary", err)
	}
	if err := s.gw.Write(ctx, "chats/"+s.chatID+"/lastMessageAt", msg.CreatedAt); err != nil {
		return emotion, ops.Step("chat summary time", err)
	}
	if err := s.SetTyping(ctx, false); err != nil {
		return emotion, ops.Step("clear typing", err)
	}

	return emotion, nil
}

// Delete soft-deletes a message: flag and timestamp, record kept. The
// write is unconditional, so a repeated delete refreshes the timestamp
// and never errors. Sender-only deletion is not verified here; that lives
// in the store's access rules.
func (s *Sync) Delete(ctx context.Context, messageID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	base := s.path("messages") + "/" + messageID
	if err := s.gw.Write(ctx, base+"/deleted", true); err != nil {
		return ops.Step("delete flag", err)
	}
	if err := s.gw.Write(ctx, base+"/deletedAt", s.now().Unix()); err != nil {
		return ops.Step("delete timestamp", err)
	}
	return nil
}

// SetTyping overwrites the caller's own typing entry.
func (s *Sync) SetTyping(ctx context.Context, isTyping bool) error {
	return s.gw.Write(ctx, s.path("typing")+"/"+s.selfID, isTyping)
}

func (s *Sync) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sync) path(sub string) string {
	return "chats/" + s.chatID + "/" + sub
}

func (s *Sync) onMessages(snaps []gateway.Snapshot) {
	msgs := make([]models.Message, 0, len(snaps))
	for _, snap := range snaps {
		var msg models.Message
		if err := gateway.Decode(snap.Value, &msg); err != nil {
			slog.Error("corrupt message record", "chat_id", s.chatID, "message_id", snap.Key, "error", err)
			continue
		}
		if msg.Deleted {
			continue
		}
		msg.ID = snap.Key
		msgs = append(msgs, msg)
	}
	offerMessages(s.messages, msgs)
}

func (s *Sync) onTyping(v any) {
	entries, _ := v.(map[string]any)

	var uids []string
	for uid, flag := range entries {
		if uid == s.selfID {
			continue
		}
		if typing, ok := flag.(bool); ok && typing {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	offerTyping(s.typing, uids)
}

func offerMessages(ch chan []models.Message, msgs []models.Message) {
	select {
	case ch <- msgs:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- msgs:
		default:
		}
	}
}

func offerTyping(ch chan []string, uids []string) {
	select {
	case ch <- uids:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- uids:
		default:
		}
	}
}
