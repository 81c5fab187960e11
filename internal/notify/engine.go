// Package notify implements the per-instance notification state machine.
//
// Every (notification, instance) pair is either idle or pending:
//
//	idle ──notify()──▶ pending ──response / timeout──▶ idle (resolved)
//
// A notify_only notification never becomes pending: it is recorded once and
// resolved on the spot. Each transition appends exactly one record to the
// instance's notification history, numbered by a per-instance sequence
// that only grows.
//
// A Book is not safe for concurrent use; the instance runtime serializes
// access to it together with the rest of the instance state.
package notify

import (
	"sort"
	"time"

	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/value"
	"github.com/agentserver/agentserver/pkg/models"
)

// Response values written by the engine itself.
const (
	NoResponse      = "no_response"
	TimeoutResponse = "timeout"
)

// Book is the notification state of one instance.
type Book struct {
	live    map[string]*models.NotificationInstance
	history []models.NotificationHistoryRecord
	seq     int64
}

// NewBook builds an idle book for the given declarations.
func NewBook(decls []*registry.Notification) *Book {
	b := &Book{live: make(map[string]*models.NotificationInstance)}
	b.Sync(decls)
	return b
}

// Restore rebuilds a book from persisted state, then aligns it with decls.
func Restore(decls []*registry.Notification, live []models.NotificationInstance, history []models.NotificationHistoryRecord, seq int64) *Book {
	b := &Book{live: make(map[string]*models.NotificationInstance), seq: seq}
	for i := range live {
		n := live[i]
		b.live[n.Name] = &n
	}
	b.history = append(b.history, history...)
	for _, h := range history {
		if h.Seq > b.seq {
			b.seq = h.Seq
		}
	}
	b.Sync(decls)
	return b
}

// Sync aligns live state with a (re)loaded definition: new notifications
// start idle with default details, removed ones are dropped, surviving
// ones keep their state and gain any new detail fields.
func (b *Book) Sync(decls []*registry.Notification) {
	keep := make(map[string]bool, len(decls))
	for _, d := range decls {
		keep[d.Spec.Name] = true
		n, ok := b.live[d.Spec.Name]
		if !ok {
			n = &models.NotificationInstance{Name: d.Spec.Name, Details: d.Details.Defaults()}
			b.live[d.Spec.Name] = n
		}
		n.Type = effectiveType(d)
		if n.Details == nil {
			n.Details = make(map[string]value.Value)
		}
		for _, f := range d.Details {
			if _, ok := n.Details[f.Name]; !ok {
				n.Details[f.Name] = value.Copy(f.Default)
			}
		}
	}
	for name := range b.live {
		if !keep[name] {
			delete(b.live, name)
		}
	}
}

func effectiveType(d *registry.Notification) models.NotificationType {
	if d.Spec.Type == "" {
		return models.NotificationYesNo
	}
	return d.Spec.Type
}

// Get returns the live state of a notification.
func (b *Book) Get(name string) (*models.NotificationInstance, bool) {
	n, ok := b.live[name]
	return n, ok
}

// Notify raises d. It reports whether the owning instance must suspend.
// Raising a notification that is already pending changes nothing.
func (b *Book) Notify(d *registry.Notification, timeoutMs int64, now time.Time) bool {
	n, ok := b.live[d.Spec.Name]
	if !ok {
		b.Sync([]*registry.Notification{d})
		n = b.live[d.Spec.Name]
	}
	if n.Pending {
		return false
	}
	t := now
	n.TimeNotified = &t
	n.TimeResponse = nil
	n.Response = NoResponse
	n.ResponseChoice = ""
	n.Comment = ""
	n.Timeout = timeoutMs
	if effectiveType(d) == models.NotificationNotifyOnly {
		n.Pending = false
		n.Timeout = 0
		b.record(n, now)
		return false
	}
	n.Pending = true
	b.record(n, now)
	return d.Spec.Suspends()
}

// Respond resolves a pending notification with a response keyword.
func (b *Book) Respond(d *registry.Notification, resp models.NotificationResponse, now time.Time) error {
	n, ok := b.live[d.Spec.Name]
	if !ok || !n.Pending {
		return models.Statef("cannot respond to notification %q since it is not pending", d.Spec.Name)
	}
	if !d.Accepts(resp.Response) {
		return models.Configf("unknown response %q for notification %q", resp.Response, d.Spec.Name)
	}
	b.resolve(n, resp, now)
	return nil
}

// Expire resolves a pending notification whose timeout elapsed.
func (b *Book) Expire(name string, now time.Time) bool {
	n, ok := b.live[name]
	if !ok || !n.Pending {
		return false
	}
	b.resolve(n, models.NotificationResponse{Response: TimeoutResponse}, now)
	return true
}

func (b *Book) resolve(n *models.NotificationInstance, resp models.NotificationResponse, now time.Time) {
	t := now
	n.Pending = false
	n.Response = resp.Response
	n.ResponseChoice = resp.ResponseChoice
	n.Comment = resp.Comment
	n.TimeResponse = &t
	b.record(n, now)
}

// Due returns the pending notifications whose deadline has passed, by
// name.
func (b *Book) Due(now time.Time) []string {
	var out []string
	for name, n := range b.live {
		if !n.Pending || n.Timeout <= 0 || n.TimeNotified == nil {
			continue
		}
		deadline := n.TimeNotified.Add(time.Duration(n.Timeout) * time.Millisecond)
		if !now.Before(deadline) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Suspending returns the name of a pending notification that suspends the
// instance, if any.
func (b *Book) Suspending(decls []*registry.Notification) (string, bool) {
	for _, d := range decls {
		if n, ok := b.live[d.Spec.Name]; ok && n.Pending && d.Spec.Suspends() {
			return d.Spec.Name, true
		}
	}
	return "", false
}

// Pending returns every pending notification in declaration order.
func (b *Book) Pending(decls []*registry.Notification) []models.NotificationInstance {
	var out []models.NotificationInstance
	for _, d := range decls {
		if n, ok := b.live[d.Spec.Name]; ok && n.Pending {
			out = append(out, snapshotOf(n))
		}
	}
	return out
}

// Live returns copies of every notification's state, ordered by name.
func (b *Book) Live() []models.NotificationInstance {
	names := make([]string, 0, len(b.live))
	for name := range b.live {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]models.NotificationInstance, 0, len(names))
	for _, name := range names {
		out = append(out, snapshotOf(b.live[name]))
	}
	return out
}

// History returns a copy of the hot history log.
func (b *Book) History() []models.NotificationHistoryRecord {
	return append([]models.NotificationHistoryRecord(nil), b.history...)
}

// Seq is the sequence number of the newest record ever appended.
func (b *Book) Seq() int64 { return b.seq }

// Trim removes and returns the oldest records beyond keep. Sequence
// numbers are not reused.
func (b *Book) Trim(keep int) []models.NotificationHistoryRecord {
	if keep < 0 || len(b.history) <= keep {
		return nil
	}
	cut := len(b.history) - keep
	old := append([]models.NotificationHistoryRecord(nil), b.history[:cut]...)
	b.history = append([]models.NotificationHistoryRecord(nil), b.history[cut:]...)
	return old
}

func (b *Book) record(n *models.NotificationInstance, now time.Time) {
	b.seq++
	b.history = append(b.history, models.NotificationHistoryRecord{
		Seq:          b.seq,
		Time:         now,
		Notification: snapshotOf(n),
	})
}

// snapshotOf deep-copies a notification so later detail writes do not
// leak into records.
func snapshotOf(n *models.NotificationInstance) models.NotificationInstance {
	cp := *n
	cp.Details = make(map[string]value.Value, len(n.Details))
	for k, v := range n.Details {
		cp.Details[k] = value.Copy(v)
	}
	if n.TimeNotified != nil {
		t := *n.TimeNotified
		cp.TimeNotified = &t
	}
	if n.TimeResponse != nil {
		t := *n.TimeResponse
		cp.TimeResponse = &t
	}
	return cp
}
