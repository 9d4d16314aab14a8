package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
)

func newTestSync(t *testing.T) (*Sync, *gateway.Store) {
	t.Helper()
	store := gateway.New()
	t.Cleanup(func() { _ = store.Close() })

	s, err := Open(store, "c1", "alice", "Alice")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s, store
}

func latestMessages(ch <-chan []models.Message) []models.Message {
	var last []models.Message
	for {
		select {
		case msgs := <-ch:
			last = msgs
		default:
			return last
		}
	}
}

func latestTyping(ch <-chan []string) []string {
	var last []string
	for {
		select {
		case uids := <-ch:
			last = uids
		default:
			return last
		}
	}
}

func messageCount(t *testing.T, store *gateway.Store, chatID string) int {
	t.Helper()
	v, err := store.Read(context.Background(), "chats/"+chatID+"/messages")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if v == nil {
		return 0
	}
	return len(v.(map[string]any))
}

func TestSync_Send(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	emotion, err := s.Send(ctx, "  hello  ")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if emotion != models.EmotionNeutral {
		t.Errorf("expected neutral for 'hello', got %s", emotion)
	}

	if n := messageCount(t, store, "c1"); n != 1 {
		t.Fatalf("expected exactly 1 message record, got %d", n)
	}

	msgs := latestMessages(s.Messages())
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message in stream, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Text != "hello" {
		t.Errorf("expected trimmed text, got %q", msg.Text)
	}
	if msg.ID == "" {
		t.Error("expected the store-assigned id on the message")
	}
	if msg.SenderID != "alice" || msg.SenderName != "Alice" {
		t.Errorf("sender not denormalized: %+v", msg)
	}
	if msg.CreatedAt != 1700000000 {
		t.Errorf("expected pinned timestamp, got %d", msg.CreatedAt)
	}

	// Denormalized summary on the parent chat.
	var chat models.Chat
	v, _ := store.Read(ctx, "chats/c1")
	if err := gateway.Decode(v, &chat); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if chat.LastMessage != "hello" {
		t.Errorf("expected summary 'hello', got %q", chat.LastMessage)
	}
	if chat.LastMessageAt != msg.CreatedAt {
		t.Errorf("summary time %d != message time %d", chat.LastMessageAt, msg.CreatedAt)
	}

	// Sending clears the sender's typing flag.
	if err := s.SetTyping(ctx, true); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	if _, err := s.Send(ctx, "another"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	v, _ = store.Read(ctx, "chats/c1/typing/alice")
	if v != false {
		t.Errorf("expected typing cleared after send, got %v", v)
	}
}

func TestSync_Send_SummaryTruncation(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()

	long := strings.Repeat("x", 80)
	if _, err := s.Send(ctx, long); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	v, _ := store.Read(ctx, "chats/c1/lastMessage")
	summary, _ := v.(string)
	if summary != long[:SummaryLength] {
		t.Errorf("expected first %d chars as summary, got %q", SummaryLength, summary)
	}

	// The message itself keeps the full text.
	msgs := latestMessages(s.Messages())
	if len(msgs) != 1 || msgs[0].Text != long {
		t.Error("message text must not be truncated")
	}
}

func TestSync_Send_Rejections(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		if _, err := s.Send(ctx, "   "); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("expected ErrEmptyMessage, got %v", err)
		}
		if n := messageCount(t, store, "c1"); n != 0 {
			t.Errorf("empty send wrote %d messages", n)
		}
	})

	t.Run("toxic", func(t *testing.T) {
		_, err := s.Send(ctx, "you are an idiot")
		var toxicErr *ToxicContentError
		if !errors.As(err, &toxicErr) {
			t.Fatalf("expected ToxicContentError, got %v", err)
		}
		if toxicErr.Reason == "" {
			t.Error("expected a rejection reason")
		}
		// No message and no chat-summary mutation.
		if n := messageCount(t, store, "c1"); n != 0 {
			t.Errorf("toxic send wrote %d messages", n)
		}
		if v, _ := store.Read(ctx, "chats/c1/lastMessage"); v != nil {
			t.Errorf("toxic send mutated the chat summary: %v", v)
		}
	})

	t.Run("emotion detected on valid send", func(t *testing.T) {
		emotion, err := s.Send(ctx, "I am so happy today")
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if emotion != models.EmotionHappy {
			t.Errorf("expected happy, got %s", emotion)
		}
	})
}

func TestSync_Delete(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()

	if _, err := s.Send(ctx, "to be removed"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msgs := latestMessages(s.Messages())
	if len(msgs) != 1 {
		t.Fatalf("expected 1 visible message, got %d", len(msgs))
	}
	id := msgs[0].ID

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// The record survives but is filtered out of the stream.
	msgs = latestMessages(s.Messages())
	if len(msgs) != 0 {
		t.Errorf("expected deleted message filtered, got %v", msgs)
	}
	if n := messageCount(t, store, "c1"); n != 1 {
		t.Errorf("soft delete removed the record, count %d", n)
	}

	v, _ := store.Read(ctx, "chats/c1/messages/"+id)
	var raw models.Message
	if err := gateway.Decode(v, &raw); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !raw.Deleted || raw.DeletedAt == 0 {
		t.Errorf("expected delete flag and timestamp set, got %+v", raw)
	}

	t.Run("idempotent", func(t *testing.T) {
		// Second delete may refresh the timestamp but must not error and
		// must leave the same end state.
		s.now = func() time.Time { return time.Unix(1800000000, 0) }
		if err := s.Delete(ctx, id); err != nil {
			t.Fatalf("second Delete errored: %v", err)
		}
		v, _ := store.Read(ctx, "chats/c1/messages/"+id)
		var again models.Message
		if err := gateway.Decode(v, &again); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !again.Deleted {
			t.Error("delete flag lost")
		}
		if again.DeletedAt != 1800000000 {
			t.Errorf("expected refreshed timestamp, got %d", again.DeletedAt)
		}
	})
}

func TestSync_Typing(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()

	// Another participant starts typing.
	if err := store.Write(ctx, "chats/c1/typing/bob", true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	uids := latestTyping(s.Typing())
	if len(uids) != 1 || uids[0] != "bob" {
		t.Fatalf("expected [bob], got %v", uids)
	}

	// Own flag and false entries are filtered out.
	if err := s.SetTyping(ctx, true); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	if err := store.Write(ctx, "chats/c1/typing/carol", false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	uids = latestTyping(s.Typing())
	if len(uids) != 1 || uids[0] != "bob" {
		t.Errorf("expected only bob typing, got %v", uids)
	}

	if err := store.Write(ctx, "chats/c1/typing/bob", false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if uids := latestTyping(s.Typing()); len(uids) != 0 {
		t.Errorf("expected nobody typing, got %v", uids)
	}
}

func TestSync_WindowLimit(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()

	for i := 0; i < MessageWindow+10; i++ {
		msg := models.Message{SenderID: "bob", Text: "m", CreatedAt: int64(1000 + i)}
		if _, err := store.Push(ctx, "chats/c1/messages", msg); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	msgs := latestMessages(s.Messages())
	if len(msgs) != MessageWindow {
		t.Fatalf("expected window of %d, got %d", MessageWindow, len(msgs))
	}
	// Oldest first, and the overflow dropped from the front.
	if msgs[0].CreatedAt != int64(1000+10) {
		t.Errorf("expected oldest visible at %d, got %d", 1000+10, msgs[0].CreatedAt)
	}
	if msgs[len(msgs)-1].CreatedAt != int64(1000+MessageWindow+9) {
		t.Errorf("expected newest at %d, got %d", 1000+MessageWindow+9, msgs[len(msgs)-1].CreatedAt)
	}
}

func TestSync_CloseTearsDownBothSubscriptions(t *testing.T) {
	store := gateway.New()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	s, err := Open(store, "c1", "alice", "Alice")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	latestMessages(s.Messages())
	latestTyping(s.Typing())
	s.Close()

	if _, err := store.Push(ctx, "chats/c1/messages", models.Message{Text: "late", CreatedAt: 1}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := store.Write(ctx, "chats/c1/typing/bob", true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if msgs := latestMessages(s.Messages()); msgs != nil {
		t.Errorf("message update delivered after Close: %v", msgs)
	}
	if uids := latestTyping(s.Typing()); uids != nil {
		t.Errorf("typing update delivered after Close: %v", uids)
	}

	if _, err := s.Send(ctx, "hello"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Send, got %v", err)
	}
	if err := s.Delete(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Delete, got %v", err)
	}
}
