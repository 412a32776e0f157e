// Package notify holds the outbound collaborators of the trade core: the
// notification fan-out and the buyer/seller messaging service.
package notify

import (
	"context"
	"sync"

	"github.com/nathanyu/p2p-exchange/internal/domain"
)

// Notifier delivers trade events to a user.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Messenger opens a conversation between the parties of a trade.
type Messenger interface {
	CreateConversation(ctx context.Context, req domain.ConversationRequest) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Notification) error                      { return nil }
func (Nop) CreateConversation(context.Context, domain.ConversationRequest) error { return nil }

// Recorder keeps everything it receives in memory.
type Recorder struct {
	mu            sync.Mutex
	notifications []domain.Notification
	conversations []domain.ConversationRequest
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return nil
}

func (r *Recorder) CreateConversation(_ context.Context, req domain.ConversationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = append(r.conversations, req)
	return nil
}

// Notifications returns a copy of what was received, optionally filtered by event.
func (r *Recorder) Notifications(event string) []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, n := range r.notifications {
		if event == "" || n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

// Conversations returns a copy of the conversation requests.
func (r *Recorder) Conversations() []domain.ConversationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConversationRequest(nil), r.conversations...)
}
