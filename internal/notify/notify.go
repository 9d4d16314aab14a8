// Package notify delivers notifications out of the hub: web-push messages
// to browser subscriptions and in-app wellbeing events to the UI layer.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
)

const pushTTL = 86400 // seconds

// Payload is the JSON body a service worker receives with each push.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Sender pushes notifications to the browser subscription stored on a
// user profile. A nil Sender is valid and drops everything, so callers
// never have to branch on whether push is configured.
type Sender struct {
	gw              gateway.Gateway
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string

	send func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// NewSender creates a push Sender. Returns nil if either VAPID key is empty.
func NewSender(gw gateway.Gateway, vapidPublicKey, vapidPrivateKey, subscriber string) *Sender {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Sender{
		gw:              gw,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
		send:            webpush.SendNotification,
	}
}

// VAPIDPublicKey returns the public key the browser needs to subscribe.
func (s *Sender) VAPIDPublicKey() string {
	if s == nil {
		return ""
	}
	return s.vapidPublicKey
}

// NotifyNewMessage pushes a new-message notification to the recipient's
// registered browser, if any.
func (s *Sender) NotifyNewMessage(ctx context.Context, recipientUID, senderName, preview string) {
	s.notifyUser(ctx, recipientUID, Payload{Title: senderName, Body: preview, URL: "/"})
}

// NotifyBreakReminder nudges the user's own browser to take a break.
func (s *Sender) NotifyBreakReminder(ctx context.Context, uid string) {
	s.notifyUser(ctx, uid, Payload{
		Title: "Time for a break",
		Body:  "You have been chatting for a while. A short pause helps.",
		URL:   "/",
	})
}

// NotifyLimitReached tells the user their daily usage limit is hit.
func (s *Sender) NotifyLimitReached(ctx context.Context, uid string) {
	s.notifyUser(ctx, uid, Payload{
		Title: "Daily limit reached",
		Body:  "You have reached your daily usage limit for today.",
		URL:   "/",
	})
}

func (s *Sender) notifyUser(ctx context.Context, uid string, p Payload) {
	if s == nil {
		return
	}

	v, err := s.gw.Read(ctx, "users/"+uid)
	if err != nil || v == nil {
		return
	}
	var profile models.User
	if err := gateway.Decode(v, &profile); err != nil {
		slog.Error("failed to decode profile for push", "uid", uid, "error", err)
		return
	}
	if profile.Push == nil || profile.Push.Endpoint == "" {
		return
	}

	data, _ := json.Marshal(p)
	s.deliver(ctx, uid, *profile.Push, data)
}

// PushNotifier adapts the Sender to the wellbeing tracker's notifier
// contract for one user.
type PushNotifier struct {
	Sender *Sender
	UID    string
}

func (n PushNotifier) BreakReminder() {
	n.Sender.NotifyBreakReminder(context.Background(), n.UID)
}

func (n PushNotifier) LimitReached() {
	n.Sender.NotifyLimitReached(context.Background(), n.UID)
}

func (s *Sender) deliver(ctx context.Context, uid string, sub models.PushSubscription, data []byte) {
	resp, err := s.send(data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  s.vapidPublicKey,
		VAPIDPrivateKey: s.vapidPrivateKey,
		Subscriber:      s.subscriber,
		TTL:             pushTTL,
	})
	if err != nil {
		slog.Warn("push delivery failed", "uid", uid, "error", err)
		return
	}
	defer resp.Body.Close()

	// 410 Gone and 404 mean the browser dropped the subscription.
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if err := s.gw.Delete(ctx, "users/"+uid+"/push"); err != nil {
			slog.Warn("failed to drop expired push subscription", "uid", uid, "error", err)
			return
		}
		slog.Info("dropped expired push subscription", "uid", uid, "status", resp.StatusCode)
	}
}

// Event is an in-app wellbeing notification surfaced to the UI.
type Event int

const (
	EventBreakReminder Event = iota
	EventLimitReached
)

// Center forwards wellbeing notifications onto a channel the UI drains.
type Center struct {
	events chan Event
}

func NewCenter() *Center {
	return &Center{events: make(chan Event, 8)}
}

// Events is the stream of wellbeing notifications.
func (c *Center) Events() <-chan Event {
	return c.events
}

func (c *Center) BreakReminder() { c.offer(EventBreakReminder) }
func (c *Center) LimitReached()  { c.offer(EventLimitReached) }

// offer delivers without blocking, dropping the oldest buffered event
// when the consumer is not keeping up.
func (c *Center) offer(e Event) {
	select {
	case c.events <- e:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- e:
		default:
		}
	}
}
