package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gortc/iced/internal/auth"
	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/channel"
)

// Transport is ICE transport side of Pump.
type Transport interface {
	Name() string
	Credentials() auth.Credentials
	Candidates() []candidate.Candidate
	SetRemoteCredentials(c auth.Credentials) error
	AddRemoteCandidate(c candidate.Candidate) error
	Subscribe(o channel.Observer) (unsubscribe func())
}

// outbox is unbounded queue of messages filled by channel callbacks that
// must not block.
type outbox struct {
	mux    sync.Mutex
	queue  []Message
	ufrag  string
	notify chan struct{}
}

func (o *outbox) push(m ...Message) {
	o.mux.Lock()
	o.queue = append(o.queue, m...)
	o.mux.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) take() []Message {
	o.mux.Lock()
	defer o.mux.Unlock()
	q := o.queue
	o.queue = nil
	return q
}

// announce queues credentials unless they were announced already.
func (o *outbox) announce(from string, c auth.Credentials) {
	o.mux.Lock()
	if o.ufrag == c.Ufrag {
		o.mux.Unlock()
		return
	}
	o.ufrag = c.Ufrag
	o.mux.Unlock()
	o.push(CredentialsMessage(from, c))
}

type pumpObserver struct {
	channel.BaseObserver
	name string
	out  *outbox
}

func (p pumpObserver) OnCandidateGathered(ch *channel.Channel, c candidate.Candidate) {
	// Credentials of ICE restart go before candidates that use them.
	p.out.announce(p.name, ch.Credentials())
	p.out.push(CandidateMessage(p.name, c))
}

// Pump announces local credentials and candidates of t over s and passes
// remote ones to t until ctx is done or s fails.
func Pump(ctx context.Context, l *zap.Logger, t Transport, s Signaler) error {
	if l == nil {
		l = zap.NewNop()
	}
	l = l.Named("signaling").With(zap.String("name", t.Name()))
	out := &outbox{notify: make(chan struct{}, 1)}
	unsubscribe := t.Subscribe(pumpObserver{name: t.Name(), out: out})
	defer unsubscribe()

	out.announce(t.Name(), t.Credentials())
	for _, c := range t.Candidates() {
		out.push(CandidateMessage(t.Name(), c))
	}

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	sendErr := make(chan error, 1)
	go func() {
		for {
			for _, m := range out.take() {
				if err := s.Send(ctx, m); err != nil {
					sendErr <- err
					cancel()
					return
				}
				l.Debug("sent", zap.String("kind", string(m.Kind)))
			}
			select {
			case <-out.notify:
			case <-ctx.Done():
				sendErr <- nil
				return
			}
		}
	}()

	var err error
	for {
		var m Message
		if m, err = s.Receive(ctx); err != nil {
			break
		}
		handle(l, t, m)
	}
	cancel()
	if sErr := <-sendErr; sErr != nil {
		return sErr
	}
	if parent.Err() != nil {
		return nil
	}
	return err
}

func handle(l *zap.Logger, t Transport, m Message) {
	if err := m.Validate(); err != nil {
		l.Warn("bad message", zap.String("from", m.From), zap.Error(err))
		return
	}
	switch m.Kind {
	case KindCredentials:
		l.Info("remote credentials", zap.String("from", m.From), zap.String("ufrag", m.Credentials.Ufrag))
		if err := t.SetRemoteCredentials(*m.Credentials); err != nil {
			l.Warn("failed to set remote credentials", zap.Error(err))
		}
	case KindCandidate:
		l.Info("remote candidate", zap.String("from", m.From), zap.Stringer("c", m.Candidate))
		if err := t.AddRemoteCandidate(*m.Candidate); err != nil {
			l.Warn("failed to add remote candidate", zap.Error(err))
		}
	}
}

// Serve runs Pump over signalers dialed by d, dialing again every time
// signaler fails, until ctx is done.
func Serve(ctx context.Context, l *zap.Logger, t Transport, d Dialer) error {
	if l == nil {
		l = zap.NewNop()
	}
	for {
		s, err := Dial(ctx, l, d)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = Pump(ctx, l, t, s)
		if closeErr := s.Close(); closeErr != nil {
			l.Warn("failed to close signaler", zap.Error(closeErr))
		}
		if ctx.Err() != nil {
			return nil
		}
		l.Warn("signaling failed, reconnecting", zap.Error(err))
	}
}
