package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// DefaultSyncTag is registered on every worker.
const DefaultSyncTag = "sync-data"

// ErrUnknownSyncTag is returned when a sync tag has no handler.
var ErrUnknownSyncTag = errors.New("no handler registered for sync tag")

// SyncHandler runs when a queued sync tag is dispatched.
type SyncHandler func(ctx context.Context) error

type syncState struct {
	mu       sync.Mutex
	handlers map[string]SyncHandler
	queue    []string
	offline  bool
}

func newSyncState() *syncState {
	return &syncState{handlers: map[string]SyncHandler{}}
}

// RegisterSync sets the handler for tag, replacing any previous one.
func (w *Worker) RegisterSync(tag string, h SyncHandler) {
	w.syncs.mu.Lock()
	defer w.syncs.mu.Unlock()
	w.syncs.handlers[tag] = h
}

// QueueSync asks for tag to be synced. While online it is dispatched
// immediately; while offline it is queued until Online is called. A tag
// that is already queued is not queued twice.
func (w *Worker) QueueSync(ctx context.Context, tag string) error {
	w.syncs.mu.Lock()
	if w.syncs.offline {
		if !slices.Contains(w.syncs.queue, tag) {
			w.syncs.queue = append(w.syncs.queue, tag)
		}
		w.syncs.mu.Unlock()
		w.logger.Debug("sync queued", "tag", tag)
		return nil
	}
	w.syncs.mu.Unlock()

	return w.Sync(ctx, tag)
}

// Offline records that connectivity was lost. Strategies do not consult it;
// it only decides whether QueueSync dispatches or queues.
func (w *Worker) Offline() {
	w.syncs.mu.Lock()
	defer w.syncs.mu.Unlock()
	w.syncs.offline = true
}

// Online records that connectivity returned and dispatches every queued tag
// once. Failed tags are not requeued; their errors are joined.
func (w *Worker) Online(ctx context.Context) error {
	w.syncs.mu.Lock()
	w.syncs.offline = false
	queue := w.syncs.queue
	w.syncs.queue = nil
	w.syncs.mu.Unlock()

	var errs []error
	for _, tag := range queue {
		if err := w.Sync(ctx, tag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsOnline reports the last connectivity signal.
func (w *Worker) IsOnline() bool {
	w.syncs.mu.Lock()
	defer w.syncs.mu.Unlock()
	return !w.syncs.offline
}

// PendingSyncs returns the queued tags.
func (w *Worker) PendingSyncs() []string {
	w.syncs.mu.Lock()
	defer w.syncs.mu.Unlock()
	return slices.Clone(w.syncs.queue)
}

// Sync runs the handler for tag once.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	w.syncs.mu.Lock()
	h, ok := w.syncs.handlers[tag]
	w.syncs.mu.Unlock()

	if !ok {
		telemetry.RecordSyncDispatch(ctx, tag, "unknown")
		return fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}

	if err := h(ctx); err != nil {
		w.logger.Warn("sync failed", "tag", tag, "error", err)
		telemetry.RecordSyncDispatch(ctx, tag, "error")
		return fmt.Errorf("sync %q: %w", tag, err)
	}

	telemetry.RecordSyncDispatch(ctx, tag, "success")
	return nil
}

// syncData is the default handler for DefaultSyncTag. Data synchronisation
// is owned by the application; the worker only reports the event.
func (w *Worker) syncData(context.Context) error {
	w.logger.Info("background sync triggered", "tag", DefaultSyncTag)
	return nil
}

const (
	// ActionExplore opens the application.
	ActionExplore = "explore"
	// ActionClose dismisses the notification.
	ActionClose = "close"

	notificationTitle = "KenPoliMarket"
	defaultPushBody   = "New update available"
)

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is shown for every push message.
type Notification struct {
	Title         string               `json:"title"`
	Body          string               `json:"body"`
	Icon          string               `json:"icon"`
	Badge         string               `json:"badge"`
	Vibrate       []int                `json:"vibrate"`
	DateOfArrival time.Time            `json:"date_of_arrival"`
	PrimaryKey    int                  `json:"primary_key"`
	Actions       []NotificationAction `json:"actions"`
}

// Notifier displays notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// Clients controls application windows.
type Clients interface {
	// OpenWindow opens or focuses a window on url.
	OpenWindow(ctx context.Context, url string) error
}

// Push turns a plain-text push payload into a notification. An empty
// payload uses a generic body.
func (w *Worker) Push(ctx context.Context, payload []byte) error {
	body := string(payload)
	if body == "" {
		body = defaultPushBody
	}

	n := Notification{
		Title:         notificationTitle,
		Body:          body,
		Icon:          "/icons/icon-192x192.png",
		Badge:         "/icons/icon-72x72.png",
		Vibrate:       []int{100, 50, 100},
		DateOfArrival: w.cfg.Now(),
		PrimaryKey:    1,
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Open", Icon: "/icons/checkmark.png"},
			{Action: ActionClose, Title: "Dismiss", Icon: "/icons/xmark.png"},
		},
	}

	if err := w.cfg.Notifier.ShowNotification(ctx, n); err != nil {
		return fmt.Errorf("showing notification: %w", err)
	}
	return nil
}

// NotificationClick handles a click on a notification. ActionClose does
// nothing; any other action, including a click on the body, opens the
// application root.
func (w *Worker) NotificationClick(ctx context.Context, action string) error {
	if action == ActionClose {
		return nil
	}
	target := resolve(w.origin, "/")
	if err := w.cfg.Clients.OpenWindow(ctx, target); err != nil {
		return fmt.Errorf("opening window: %w", err)
	}
	return nil
}

type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) ShowNotification(_ context.Context, note Notification) error {
	n.logger.Info("notification", "title", note.Title, "body", note.Body)
	return nil
}

type logClients struct {
	logger *slog.Logger
}

func (c logClients) OpenWindow(_ context.Context, url string) error {
	c.logger.Info("open window", "url", url)
	return nil
}
