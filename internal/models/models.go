package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// EmotionTag is the label assigned to a message by the emotion oracle.
type EmotionTag string

const (
	EmotionNeutral  EmotionTag = "neutral"
	EmotionHappy    EmotionTag = "happy"
	EmotionSad      EmotionTag = "sad"
	EmotionAngry    EmotionTag = "angry"
	EmotionStressed EmotionTag = "stressed"
	EmotionAnxious  EmotionTag = "anxious"
)

// PushSubscription holds a web-push endpoint registered from the browser.
type PushSubscription struct {
	Endpoint string `json:"endpoint" msgpack:"endpoint"`
	P256dh   string `json:"p256dh" msgpack:"p256dh"`
	Auth     string `json:"auth" msgpack:"auth"`
}

// User is the profile record stored at users/{uid}.
// Status and LastSeen are owned by the session manager,
// TodayUsageMin by the wellbeing tracker.
type User struct {
	ID            string            `json:"id" msgpack:"id"`
	DisplayName   string            `json:"displayName" msgpack:"displayName"`
	Email         string            `json:"email" msgpack:"email"`
	AvatarURL     string            `json:"avatarUrl,omitempty" msgpack:"avatarUrl"`
	Status        PresenceStatus    `json:"status" msgpack:"status"`
	LastSeen      int64             `json:"lastSeen,omitempty" msgpack:"lastSeen"` // Unix seconds, 0 while online
	SafetyMode    bool              `json:"safetyMode" msgpack:"safetyMode"`
	DailyLimitMin int               `json:"dailyLimitMin" msgpack:"dailyLimitMin"`
	TodayUsageMin int               `json:"todayUsageMin" msgpack:"todayUsageMin"`
	Push          *PushSubscription `json:"push,omitempty" msgpack:"push"`
}

// Chat is the conversation record stored at chats/{chatId}.
// ParticipantNames is a snapshot taken at creation time, not live-synced.
type Chat struct {
	ID               string            `json:"id" msgpack:"id"`
	Participants     []string          `json:"participants" msgpack:"participants"`
	ParticipantNames map[string]string `json:"participantNames" msgpack:"participantNames"`
	IsGroup          bool              `json:"isGroup" msgpack:"isGroup"`
	GroupName        string            `json:"groupName,omitempty" msgpack:"groupName"`
	LastMessage      string            `json:"lastMessage,omitempty" msgpack:"lastMessage"`
	LastMessageAt    int64             `json:"lastMessageAt,omitempty" msgpack:"lastMessageAt"`
	CreatedAt        int64             `json:"createdAt" msgpack:"createdAt"`
}

// HasParticipant reports whether uid is in the participant set.
func (c Chat) HasParticipant(uid string) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// IsDirectWith reports whether the chat is the one-to-one chat between a and b.
func (c Chat) IsDirectWith(a, b string) bool {
	if c.IsGroup || len(c.Participants) != 2 {
		return false
	}
	return c.HasParticipant(a) && c.HasParticipant(b)
}

// Message is stored at chats/{chatId}/messages/{messageId}.
// Immutable except for the soft-delete pair.
type Message struct {
	ID         string     `json:"id" msgpack:"id"`
	SenderID   string     `json:"senderId" msgpack:"senderId"`
	SenderName string     `json:"senderName" msgpack:"senderName"`
	Text       string     `json:"text" msgpack:"text"`
	CreatedAt  int64      `json:"createdAt" msgpack:"createdAt"`
	Emotion    EmotionTag `json:"emotion" msgpack:"emotion"`
	Toxic      bool       `json:"toxic" msgpack:"toxic"`
	Deleted    bool       `json:"deleted,omitempty" msgpack:"deleted"`
	DeletedAt  int64      `json:"deletedAt,omitempty" msgpack:"deletedAt"`
}
