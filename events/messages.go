// Package events turns broker messages into dispatcher triggers: background
// sync, push and notification clicks.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	offline "github.com/savewise/offline-dispatcher"
)

const (
	TypeSync              = "sync"
	TypePush              = "push"
	TypeNotificationClick = "notificationclick"
)

var ErrMalformed = errors.New("malformed event message")

// Message is the JSON body of a trigger message.
type Message struct {
	Type    string `json:"type"`
	Tag     string `json:"tag,omitempty"`
	Payload string `json:"payload,omitempty"`
	ID      string `json:"id,omitempty"`
	Action  string `json:"action,omitempty"`
}

func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and checks a message body.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch msg.Type {
	case TypeSync:
		if msg.Tag == "" {
			return msg, fmt.Errorf("%w: sync without tag", ErrMalformed)
		}
	case TypePush:
	case TypeNotificationClick:
		if msg.ID == "" {
			return msg, fmt.Errorf("%w: notification click without id", ErrMalformed)
		}
	default:
		return msg, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
	return msg, nil
}

// Handler receives the triggers. *offline.Dispatcher implements it.
type Handler interface {
	Sync(ctx context.Context, tag string) (offline.SyncReport, error)
	Push(ctx context.Context, payload string) error
	NotificationClick(ctx context.Context, id, action string) error
}

// Dispatch routes a decoded message to the handler.
func Dispatch(ctx context.Context, h Handler, msg Message) error {
	switch msg.Type {
	case TypeSync:
		_, err := h.Sync(ctx, msg.Tag)
		return err
	case TypePush:
		return h.Push(ctx, msg.Payload)
	case TypeNotificationClick:
		return h.NotificationClick(ctx, msg.ID, msg.Action)
	}
	return fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
}
