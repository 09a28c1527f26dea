// Package reload implements notification about configuration reload and
// ICE restart requests.
package reload

import "go.uber.org/zap"

// Event is requested action.
type Event byte

// Possible events.
const (
	// Reload means that configuration should be read again.
	Reload Event = iota
	// Restart means that ICE restart with new credentials is requested.
	Restart
)

func (e Event) String() string {
	if e == Restart {
		return "restart"
	}
	return "reload"
}

// Notifier implements config reload and restart request notification.
type Notifier struct {
	log *zap.Logger
	C   chan Event
}

func (n *Notifier) send(e Event) {
	select {
	case n.C <- e:
		n.log.Info("notify", zap.Stringer("event", e))
	default:
		n.log.Warn("dropping notification, previous one is not handled yet", zap.Stringer("event", e))
	}
}

// Notify about options reload request.
func (n *Notifier) Notify() { n.send(Reload) }

// Restart notifies about ICE restart request.
func (n *Notifier) Restart() { n.send(Restart) }

// NewNotifier initializes and returns new notifier that is also fed by
// process signals.
func NewNotifier(l *zap.Logger) *Notifier {
	n := newNotifier(l)
	n.subscribe()
	return n
}

func newNotifier(l *zap.Logger) *Notifier {
	if l == nil {
		l = zap.NewNop()
	}
	return &Notifier{log: l, C: make(chan Event, 4)}
}
