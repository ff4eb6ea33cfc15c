package offline

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/savewise/offline-dispatcher/notify"
)

const (
	ActionExplore = "explore"
	ActionClose   = "close"

	notificationTitle = "SaveWise"
	defaultPushBody   = "New notification from SaveWise"
	notificationIcon  = "/logo192.png"
)

var notificationSeq atomic.Int64

// Push shows a notification for a push message. An empty payload gets the
// default body.
func (d *Dispatcher) Push(ctx context.Context, payload string) error {
	n := newNotification(payload, time.Now())
	if err := d.notifier.Show(ctx, n); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	return nil
}

// NotificationClick closes the clicked notification and opens the app root
// for the explore action. Other actions only close it.
func (d *Dispatcher) NotificationClick(ctx context.Context, id, action string) error {
	if err := d.notifier.Close(ctx, id); err != nil {
		return fmt.Errorf("close notification %s: %w", id, err)
	}
	if action != ActionExplore {
		return nil
	}
	if err := d.opener.OpenWindow(ctx, "/"); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	return nil
}

func newNotification(payload string, arrival time.Time) notify.Notification {
	body := payload
	if body == "" {
		body = defaultPushBody
	}
	return notify.Notification{
		ID:      strconv.FormatInt(notificationSeq.Add(1), 10),
		Title:   notificationTitle,
		Body:    body,
		Icon:    notificationIcon,
		Badge:   notificationIcon,
		Vibrate: []int{100, 50, 100},
		Actions: []notify.Action{
			{Action: ActionExplore, Title: "View Details", Icon: notificationIcon},
			{Action: ActionClose, Title: "Close", Icon: notificationIcon},
		},
		Data: map[string]any{
			"dateOfArrival": arrival.UnixMilli(),
			"primaryKey":    1,
		},
	}
}
