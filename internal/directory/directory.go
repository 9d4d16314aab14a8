// Package directory maintains the current user's chat list: it follows
// the userChats index, re-resolves every referenced chat record on each
// index change, and publishes the list sorted by most recent activity.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
	"github.com/hehehe1cracka/empathic-space-hub/internal/ops"
)

var ErrNoParticipants = errors.New("a group chat needs at least two participants")

type Directory struct {
	gw gateway.Gateway

	// cached is the last resolved chat list, shared by all observers and
	// used for direct-chat dedup. Best effort, not a server constraint.
	cached []models.Chat

	now func() time.Time
	mu  sync.Mutex
}

func New(gw gateway.Gateway) *Directory {
	return &Directory{
		gw:  gw,
		now: time.Now,
	}
}

// ObserveChats streams the user's chat list, re-sorted and fully
// re-resolved on every index change. Full re-resolve via one-shot reads
// keeps the logic simple at the cost of a read per chat per change;
// fine for the expected chat counts.
func (d *Directory) ObserveChats(ctx context.Context, uid string) (<-chan []models.Chat, gateway.UnsubscribeFunc, error) {
	ch := make(chan []models.Chat, 8)

	unsub, err := d.gw.Subscribe("userChats/"+uid, func(v any) {
		chats := d.resolve(ctx, v)

		d.mu.Lock()
		d.cached = chats
		d.mu.Unlock()

		offer(ch, chats)
	})
	if err != nil {
		return nil, nil, err
	}

	return ch, unsub, nil
}

// CreateDirectChat returns the existing one-to-one chat with the other
// user if the locally cached list has one, otherwise creates the chat
// record and inserts it into both participants' indexes. The three writes
// are independent; a failure partway leaves an orphaned record or an
// asymmetric index.
func (d *Directory) CreateDirectChat(ctx context.Context, selfID, selfName, otherID, otherName string) (string, error) {
	d.mu.Lock()
	for _, c := range d.cached {
		if c.IsDirectWith(selfID, otherID) {
			id := c.ID
			d.mu.Unlock()
			return id, nil
		}
	}
	d.mu.Unlock()

	chat := models.Chat{
		ID:           uuid.NewString(),
		Participants: []string{selfID, otherID},
		ParticipantNames: map[string]string{
			selfID:  selfName,
			otherID: otherName,
		},
		CreatedAt: d.now().Unix(),
	}

	if err := d.gw.Write(ctx, "chats/"+chat.ID, chat); err != nil {
		return "", ops.Step("chat record", err)
	}
	if err := d.gw.Write(ctx, "userChats/"+selfID+"/"+chat.ID, true); err != nil {
		return "", ops.Step("own index entry", err)
	}
	if err := d.gw.Write(ctx, "userChats/"+otherID+"/"+chat.ID, true); err != nil {
		return "", ops.Step("peer index entry", err)
	}

	return chat.ID, nil
}

// CreateGroupChat always creates; there is no group dedup.
func (d *Directory) CreateGroupChat(ctx context.Context, groupName string, participantIDs []string, participantNames map[string]string) (string, error) {
	if len(participantIDs) < 2 {
		return "", ErrNoParticipants
	}

	chat := models.Chat{
		ID:               uuid.NewString(),
		Participants:     participantIDs,
		ParticipantNames: participantNames,
		IsGroup:          true,
		GroupName:        groupName,
		CreatedAt:        d.now().Unix(),
	}

	if err := d.gw.Write(ctx, "chats/"+chat.ID, chat); err != nil {
		return "", ops.Step("chat record", err)
	}
	for _, uid := range participantIDs {
		if err := d.gw.Write(ctx, "userChats/"+uid+"/"+chat.ID, true); err != nil {
			return "", ops.Step(fmt.Sprintf("index entry for %s", uid), err)
		}
	}

	return chat.ID, nil
}

// resolve turns an index snapshot into the sorted chat list.
func (d *Directory) resolve(ctx context.Context, index any) []models.Chat {
	ids, _ := index.(map[string]any)

	chats := make([]models.Chat, 0, len(ids))
	for id := range ids {
		v, err := d.gw.Read(ctx, "chats/"+id)
		if err != nil || v == nil {
			// Orphaned index entry, e.g. a partial create. Skip it.
			slog.Warn("chat record missing for index entry", "chat_id", id, "error", err)
			continue
		}
		var chat models.Chat
		if err := gateway.Decode(v, &chat); err != nil {
			slog.Error("corrupt chat record", "chat_id", id, "error", err)
			continue
		}
		chats = append(chats, chat)
	}

	// Most recent activity first; chats with no messages (zero timestamp)
	// end up last.
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].LastMessageAt != chats[j].LastMessageAt {
			return chats[i].LastMessageAt > chats[j].LastMessageAt
		}
		return chats[i].ID < chats[j].ID
	})

	return chats
}

func offer(ch chan []models.Chat, chats []models.Chat) {
	select {
	case ch <- chats:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- chats:
		default:
		}
	}
}
