// Package transport implements ICE transport of multiple components.
//
// Transport owns one channel per component and forwards every call to the
// executor the channels are confined to, so it can be used from any
// goroutine.
package transport

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/allocator"
	"github.com/gortc/iced/internal/auth"
	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/channel"
	"github.com/gortc/iced/internal/filter"
	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/worker"
)

// Errors.
var (
	// ErrUnknownComponent means that transport has no channel for
	// component.
	ErrUnknownComponent = errors.New("unknown component")
	// ErrClosed means that transport is closed.
	ErrClosed = errors.New("transport closed")
)

// Options for New.
type Options struct {
	Log       *zap.Logger
	Exec      worker.Executor
	Allocator allocator.Allocator

	Name string
	// Components to create channels for, default is single RTP
	// component.
	Components []int
	// Credentials are local ICE credentials, zero value means random.
	Credentials auth.Credentials
	Role        port.Role
	// Tiebreaker for role conflicts, zero means random.
	Tiebreaker uint64
	RemoteMode channel.RemoteMode
	Protocol   port.ICEProtocol
	Filter     filter.Rule
	// Metrics returns metrics sink for component channel.
	Metrics func(component int) channel.Metrics
	// Options are applied to every port.
	Options map[port.Option]int
	// Rand is source of credentials and tiebreaker, default is
	// crypto/rand.
	Rand io.Reader
}

// Transport is ICE transport of multiple components sharing credentials
// and role.
type Transport struct {
	log        *zap.Logger
	exec       worker.Executor
	name       string
	rand       io.Reader
	channels   []*channel.Channel
	credential auth.Credentials
	role       port.Role
	tiebreaker uint64
	connected  bool

	sentBytes atomic.Uint64
	closed    atomic.Bool
}

func randomTiebreaker(r io.Reader) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, errors.Wrap(err, "failed to read random")
	}
	return binary.BigEndian.Uint64(buf), nil
}

// New initializes and returns new Transport.
func New(o Options) (*Transport, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Exec == nil || o.Allocator == nil {
		return nil, errors.Wrap(channel.ErrInvalidArgument, "executor and allocator are required")
	}
	if len(o.Components) == 0 {
		o.Components = []int{1}
	}
	components := append([]int(nil), o.Components...)
	sort.Ints(components)
	for i, c := range components {
		if c < 1 || c > 256 {
			return nil, errors.Wrapf(channel.ErrInvalidArgument, "component %d", c)
		}
		if i > 0 && components[i-1] == c {
			return nil, errors.Wrapf(channel.ErrInvalidArgument, "duplicate component %d", c)
		}
	}
	if o.Credentials.IsZero() {
		c, err := auth.NewCredentials(o.Rand)
		if err != nil {
			return nil, err
		}
		o.Credentials = c
	}
	if err := o.Credentials.Validate(); err != nil {
		return nil, err
	}
	if o.Tiebreaker == 0 {
		v, err := randomTiebreaker(o.Rand)
		if err != nil {
			return nil, err
		}
		o.Tiebreaker = v
	}
	t := &Transport{
		log:        o.Log.Named("transport").With(zap.String("name", o.Name)),
		exec:       o.Exec,
		name:       o.Name,
		rand:       o.Rand,
		credential: o.Credentials,
		role:       o.Role,
		tiebreaker: o.Tiebreaker,
	}
	var err error
	t.exec.Invoke(func() {
		for _, component := range components {
			chOpt := channel.Options{
				Log:       o.Log,
				Exec:      o.Exec,
				Allocator: o.Allocator,
				Name:      o.Name,
				Component: component,
				Filter:    o.Filter,
			}
			if o.Metrics != nil {
				chOpt.Metrics = o.Metrics(component)
			}
			ch := channel.New(chOpt)
			if setErr := ch.SetIceCredentials(o.Credentials.Ufrag, o.Credentials.Pwd); setErr != nil {
				err = setErr
				return
			}
			if setErr := ch.SetIceTiebreaker(o.Tiebreaker); setErr != nil {
				err = setErr
				return
			}
			ch.SetIceRole(o.Role)
			ch.SetRemoteIceMode(o.RemoteMode)
			ch.SetIceProtocol(o.Protocol)
			for opt, v := range o.Options {
				if setErr := ch.SetOption(opt, v); setErr != nil {
					err = setErr
					return
				}
			}
			ch.Subscribe(roleObserver{t: t})
			t.channels = append(t.channels, ch)
		}
	})
	if err != nil {
		return nil, err
	}
	t.log.Info("created",
		zap.Ints("components", components),
		zap.Stringer("role", o.Role),
		zap.String("ufrag", o.Credentials.Ufrag),
	)
	return t, nil
}

// roleObserver keeps role of every channel same after role conflict.
type roleObserver struct {
	channel.BaseObserver
	t *Transport
}

func (o roleObserver) OnRoleConflict(ch *channel.Channel) {
	t := o.t
	t.role = ch.Role()
	for _, other := range t.channels {
		if other != ch {
			other.SetIceRole(t.role)
		}
	}
	t.log.Info("role switched after conflict",
		zap.Int("component", ch.Component()), zap.Stringer("role", t.role),
	)
}

// do runs f on executor unless transport is closed.
func (t *Transport) do(f func()) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.exec.Invoke(f)
	return nil
}

func (t *Transport) channel(component int) *channel.Channel {
	if component == 0 && len(t.channels) > 0 {
		return t.channels[0]
	}
	for _, ch := range t.channels {
		if ch.Component() == component {
			return ch
		}
	}
	return nil
}

// Name returns transport name.
func (t *Transport) Name() string { return t.name }

// Components returns sorted component ids.
func (t *Transport) Components() []int {
	components := make([]int, 0, len(t.channels))
	for _, ch := range t.channels {
		components = append(components, ch.Component())
	}
	return components
}

// Channel returns channel of component or nil. Returned channel must be
// used only on transport executor.
func (t *Transport) Channel(component int) *channel.Channel { return t.channel(component) }

// Connect starts gathering and connectivity checks on every channel.
func (t *Transport) Connect() error {
	var err error
	if doErr := t.do(func() {
		t.connected = true
		for _, ch := range t.channels {
			err = multierr.Append(err, ch.Connect())
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Candidates returns gathered local candidates of current credentials.
func (t *Transport) Candidates() []candidate.Candidate {
	var candidates []candidate.Candidate
	t.exec.Invoke(func() {
		for _, ch := range t.channels {
			for _, p := range ch.Ports() {
				for _, c := range p.Candidates() {
					if c.Ufrag == t.credential.Ufrag {
						candidates = append(candidates, c)
					}
				}
			}
		}
	})
	return candidates
}

// Credentials returns current local credentials.
func (t *Transport) Credentials() auth.Credentials {
	var c auth.Credentials
	t.exec.Invoke(func() { c = t.credential })
	return c
}

// SetRemoteCredentials sets remote credentials of newest generation on
// every channel.
func (t *Transport) SetRemoteCredentials(c auth.Credentials) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(channel.ErrInvalidArgument, err.Error())
	}
	return t.do(func() {
		for _, ch := range t.channels {
			ch.SetRemoteIceCredentials(c.Ufrag, c.Pwd)
		}
	})
}

// AddRemoteCandidate adds remote candidate to channel of its component.
// Zero component means first one.
func (t *Transport) AddRemoteCandidate(c candidate.Candidate) error {
	var err error
	if doErr := t.do(func() {
		ch := t.channel(c.Component)
		if ch == nil {
			err = errors.Wrapf(ErrUnknownComponent, "%d", c.Component)
			return
		}
		err = ch.AddRemoteCandidate(c)
	}); doErr != nil {
		return doErr
	}
	return err
}

// RemoveRemoteCandidate removes remote candidate from channel of its
// component.
func (t *Transport) RemoveRemoteCandidate(c candidate.Candidate) error {
	var err error
	if doErr := t.do(func() {
		ch := t.channel(c.Component)
		if ch == nil {
			err = errors.Wrapf(ErrUnknownComponent, "%d", c.Component)
			return
		}
		ch.RemoveRemoteCandidate(c)
	}); doErr != nil {
		return doErr
	}
	return err
}

// SendPacket sends b over selected connection of component.
func (t *Transport) SendPacket(component int, b []byte) (int, error) {
	var (
		n   int
		err error
	)
	if doErr := t.do(func() {
		ch := t.channel(component)
		if ch == nil {
			err = errors.Wrapf(ErrUnknownComponent, "%d", component)
			return
		}
		n, err = ch.SendPacket(b, 0)
	}); doErr != nil {
		return 0, doErr
	}
	if n > 0 {
		t.sentBytes.Add(uint64(n))
	}
	return n, err
}

// SentBytes returns total count of bytes sent by SendPacket.
func (t *Transport) SentBytes() uint64 { return t.sentBytes.Load() }

// SetOption sets socket option on every channel.
func (t *Transport) SetOption(opt port.Option, value int) error {
	var err error
	if doErr := t.do(func() {
		for _, ch := range t.channels {
			err = multierr.Append(err, ch.SetOption(opt, value))
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// SetRole sets ICE role of every channel.
func (t *Transport) SetRole(r port.Role) error {
	return t.do(func() {
		t.role = r
		for _, ch := range t.channels {
			ch.SetIceRole(r)
		}
	})
}

// Role returns current ICE role.
func (t *Transport) Role() port.Role {
	var r port.Role
	t.exec.Invoke(func() { r = t.role })
	return r
}

// Tiebreaker returns role conflict tiebreaker.
func (t *Transport) Tiebreaker() uint64 { return t.tiebreaker }

// Restart generates new local credentials and starts gathering with them
// on every channel, which is ICE restart. Returned credentials must be
// signaled to remote agent.
func (t *Transport) Restart() (auth.Credentials, error) {
	c, err := auth.NewCredentials(t.rand)
	if err != nil {
		return auth.Credentials{}, err
	}
	if err = t.RestartWith(c); err != nil {
		return auth.Credentials{}, err
	}
	return c, nil
}

// RestartWith is Restart with provided credentials.
func (t *Transport) RestartWith(c auth.Credentials) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(channel.ErrInvalidArgument, err.Error())
	}
	var err error
	if doErr := t.do(func() {
		if c == t.credential {
			return
		}
		t.log.Info("restarting", zap.String("ufrag", c.Ufrag))
		t.credential = c
		for _, ch := range t.channels {
			err = multierr.Append(err, ch.SetIceCredentials(c.Ufrag, c.Pwd))
			if t.connected {
				ch.MaybeStartGathering()
			}
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Subscribe registers observer on every channel and returns function that
// deregisters it.
func (t *Transport) Subscribe(o channel.Observer) (unsubscribe func()) {
	var unsub []func()
	t.exec.Invoke(func() {
		for _, ch := range t.channels {
			unsub = append(unsub, ch.Subscribe(o))
		}
	})
	return func() {
		t.exec.Invoke(func() {
			for _, f := range unsub {
				f()
			}
		})
	}
}

// Writable reports whether every channel is writable.
func (t *Transport) Writable() bool {
	writable := true
	t.exec.Invoke(func() {
		for _, ch := range t.channels {
			writable = writable && ch.Writable()
		}
	})
	return writable && len(t.channels) > 0
}

// ChannelStats is statistics of single channel.
type ChannelStats struct {
	Component   int                    `json:"component"`
	State       channel.State          `json:"state"`
	Gathering   channel.GatheringState `json:"gathering"`
	Writable    bool                   `json:"writable"`
	Receiving   bool                   `json:"receiving"`
	Role        port.Role              `json:"role"`
	Connections []port.Info            `json:"connections"`
}

// Stats is statistics of transport.
type Stats struct {
	Name      string         `json:"name"`
	Ufrag     string         `json:"ufrag"`
	SentBytes uint64         `json:"sent_bytes"`
	Channels  []ChannelStats `json:"channels"`
}

// Stats returns statistics snapshot.
func (t *Transport) Stats() Stats {
	s := Stats{Name: t.name, SentBytes: t.SentBytes()}
	t.exec.Invoke(func() {
		s.Ufrag = t.credential.Ufrag
		for _, ch := range t.channels {
			s.Channels = append(s.Channels, ChannelStats{
				Component:   ch.Component(),
				State:       ch.State(),
				Gathering:   ch.GatheringState(),
				Writable:    ch.Writable(),
				Receiving:   ch.Receiving(),
				Role:        ch.Role(),
				Connections: ch.Stats(),
			})
		}
	})
	return s
}

// Close destroys every channel. Executor is not closed.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	var err error
	t.exec.Invoke(func() {
		for i := len(t.channels) - 1; i >= 0; i-- {
			err = multierr.Append(err, t.channels[i].Destroy())
		}
	})
	t.log.Info("closed")
	return err
}
