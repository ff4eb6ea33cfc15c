package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is a user-facing notification as shown by the client shell.
type Notification struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon,omitempty"`
	Badge   string         `json:"badge,omitempty"`
	Vibrate []int          `json:"vibrate,omitempty"`
	Actions []Action       `json:"actions,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// WindowOpener opens a URL in a client window.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// LogNotifier writes notifications to the log and keeps track of open ones.
// It is the default sink when no broker is configured.
type LogNotifier struct {
	log    zerolog.Logger
	mutex  *sync.Mutex
	open   map[string]Notification
	opened []string
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{
		log:   logger.With().Str("component", "notify").Logger(),
		mutex: &sync.Mutex{},
		open:  make(map[string]Notification),
	}
}

func (l *LogNotifier) Show(_ context.Context, n Notification) error {
	l.mutex.Lock()
	l.open[n.ID] = n
	l.mutex.Unlock()
	l.log.Info().
		Str("id", n.ID).
		Str("title", n.Title).
		Str("body", n.Body).
		Int("actions", len(n.Actions)).
		Msg("Showing notification")
	return nil
}

func (l *LogNotifier) Close(_ context.Context, id string) error {
	l.mutex.Lock()
	delete(l.open, id)
	l.mutex.Unlock()
	l.log.Debug().Str("id", id).Msg("Closing notification")
	return nil
}

func (l *LogNotifier) OpenWindow(_ context.Context, url string) error {
	l.mutex.Lock()
	l.opened = append(l.opened, url)
	l.mutex.Unlock()
	l.log.Info().Str("url", url).Time("at", time.Now()).Msg("Opening client window")
	return nil
}

// Open returns the notifications currently shown, ordered by ID.
func (l *LogNotifier) Open() []Notification {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	open := make([]Notification, 0, len(l.open))
	for _, n := range l.open {
		open = append(open, n)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open
}

// Opened returns the URLs opened so far.
func (l *LogNotifier) Opened() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.opened...)
}
