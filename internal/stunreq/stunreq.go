// Package stunreq implements outgoing STUN transactions with
// retransmissions.
package stunreq

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gortc/iced/internal/worker"
)

// Retransmission schedule: request is sent at t=0 and then after
// DelayUnit*min(2^k, MaxDelayFactor) for k=0..MaxSends-2, timing out
// after last delay elapsed.
const (
	DelayUnit      = 100 * time.Millisecond
	MaxDelayFactor = 16
	MaxSends       = 9
)

// ErrTimeout means that no response was received for any of MaxSends
// attempts.
var ErrTimeout = errors.New("transaction timed out")

// AttrRetransmitCount is non-standard attribute carrying count of
// retransmissions.
const AttrRetransmitCount stun.AttrType = 0xFF00

// RetransmitCount represents RETRANSMIT-COUNT attribute.
type RetransmitCount uint32

const retransmitCountSize = 4

// AddTo adds RETRANSMIT-COUNT to message.
func (c RetransmitCount) AddTo(m *stun.Message) error {
	v := make([]byte, retransmitCountSize)
	binary.BigEndian.PutUint32(v, uint32(c))
	m.Add(AttrRetransmitCount, v)
	return nil
}

// GetFrom decodes RETRANSMIT-COUNT from message.
func (c *RetransmitCount) GetFrom(m *stun.Message) error {
	v, err := m.Get(AttrRetransmitCount)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(AttrRetransmitCount, len(v), retransmitCountSize); err != nil {
		return err
	}
	*c = RetransmitCount(binary.BigEndian.Uint32(v))
	return nil
}

// Handler is notified about transaction result.
type Handler interface {
	OnResponse(r *Request, res *stun.Message)
	OnErrorResponse(r *Request, res *stun.Message)
	OnTimeout(r *Request)
}

// Request is outgoing STUN transaction. Fields must not be changed after
// Send.
type Request struct {
	ID        [stun.TransactionIDSize]byte
	Type      stun.MessageType
	Setters   []stun.Setter
	Integrity stun.MessageIntegrity
	Handler   Handler

	m          *stun.Message
	count      int
	sentAt     time.Time
	superseded bool
}

// Count returns count of performed sends.
func (r *Request) Count() int { return r.count }

// SentAt returns time of first send.
func (r *Request) SentAt() time.Time { return r.sentAt }

// Message returns last sent message.
func (r *Request) Message() *stun.Message { return r.m }

func (r *Request) build(retransmitCount bool) error {
	if r.m == nil {
		r.m = stun.New()
	}
	m := r.m
	m.Reset()
	m.Type = r.Type
	m.TransactionID = r.ID
	m.WriteHeader()
	for _, s := range r.Setters {
		if err := s.AddTo(m); err != nil {
			return err
		}
	}
	if retransmitCount && r.count > 0 {
		if err := RetransmitCount(r.count).AddTo(m); err != nil {
			return err
		}
	}
	if len(r.Integrity) > 0 {
		if err := r.Integrity.AddTo(m); err != nil {
			return err
		}
	}
	return stun.Fingerprint.AddTo(m)
}

// Options for Manager.
type Options struct {
	Log  *zap.Logger
	Exec worker.Executor
	// Send writes raw message to transaction destination.
	Send func(raw []byte) error
	// RetransmitCount enables RETRANSMIT-COUNT attribute in
	// retransmissions.
	RetransmitCount bool
	// Rand is source for transaction ids, crypto/rand by default.
	Rand io.Reader
}

// Manager holds outgoing transactions to single destination.
//
// Manager is confined to its executor.
type Manager struct {
	log             *zap.Logger
	exec            worker.Executor
	send            func(raw []byte) error
	rand            io.Reader
	retransmitCount bool
	requests        map[[stun.TransactionIDSize]byte]*Request
	order           []*Request
}

// NewManager initializes and returns new Manager.
func NewManager(o Options) *Manager {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	return &Manager{
		log:             o.Log,
		exec:            o.Exec,
		send:            o.Send,
		rand:            o.Rand,
		retransmitCount: o.RetransmitCount,
		requests:        make(map[[stun.TransactionIDSize]byte]*Request),
	}
}

// Len returns count of transactions that can be matched by response.
func (m *Manager) Len() int { return len(m.requests) }

// Has reports whether transaction with id is in progress.
func (m *Manager) Has(id [stun.TransactionIDSize]byte) bool {
	_, ok := m.requests[id]
	return ok
}

// Send starts new transaction, assigning random transaction id if r.ID is
// zero. First attempt is posted to executor.
func (m *Manager) Send(r *Request) error {
	if r.ID == [stun.TransactionIDSize]byte{} {
		if _, err := io.ReadFull(m.rand, r.ID[:]); err != nil {
			return errors.Wrap(err, "failed to generate transaction id")
		}
	}
	if _, exists := m.requests[r.ID]; exists {
		return errors.New("duplicate transaction id")
	}
	if err := r.build(false); err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	r.sentAt = m.exec.Now()
	m.requests[r.ID] = r
	m.order = append(m.order, r)
	// Only MaxSends transactions are kept for matching, the oldest
	// superseded ones are forgotten.
	for len(m.order) > MaxSends {
		old := m.order[0]
		m.order = m.order[1:]
		m.forget(old)
	}
	m.exec.Post(r, func() { m.fire(r) })
	return nil
}

func delay(k int) time.Duration {
	f := 1 << uint(k)
	if f > MaxDelayFactor {
		f = MaxDelayFactor
	}
	return DelayUnit * time.Duration(f)
}

func (m *Manager) fire(r *Request) {
	if _, ok := m.requests[r.ID]; !ok || r.superseded {
		return
	}
	if r.count >= MaxSends {
		m.forget(r)
		if ce := m.log.Check(zapcore.DebugLevel, "transaction timed out"); ce != nil {
			ce.Write(zap.Int("sends", r.count), zap.Stringer("type", r.Type))
		}
		if r.Handler != nil {
			r.Handler.OnTimeout(r)
		}
		return
	}
	if r.count > 0 && m.retransmitCount {
		if err := r.build(true); err != nil {
			m.log.Error("failed to rebuild request", zap.Error(err))
		}
	}
	if err := m.send(r.m.Raw); err != nil {
		m.log.Warn("failed to send request", zap.Error(err), zap.Int("attempt", r.count))
	}
	d := delay(r.count)
	r.count++
	m.exec.PostDelayed(r, d, func() { m.fire(r) })
}

// Handle matches res to transaction and calls its handler. Returns false
// if no transaction matched.
func (m *Manager) Handle(res *stun.Message) bool {
	r, ok := m.requests[res.TransactionID]
	if !ok {
		return false
	}
	if res.Type.Method != r.Type.Method {
		m.log.Info("discarding response with unexpected method",
			zap.Stringer("got", res.Type), zap.Stringer("expected", r.Type),
		)
		return true
	}
	switch res.Type.Class {
	case stun.ClassSuccessResponse:
		m.forget(r)
		if r.Handler != nil {
			r.Handler.OnResponse(r, res)
		}
	case stun.ClassErrorResponse:
		m.forget(r)
		if r.Handler != nil {
			r.Handler.OnErrorResponse(r, res)
		}
	default:
		m.log.Info("discarding non-response message", zap.Stringer("type", res.Type))
	}
	return true
}

// Supersede stops retransmissions of all transactions in progress. They
// still can be matched by late responses but never time out.
func (m *Manager) Supersede() {
	for _, r := range m.order {
		if r.superseded {
			continue
		}
		r.superseded = true
		m.exec.Cancel(r)
	}
}

// Clear cancels all transactions.
func (m *Manager) Clear() {
	for _, r := range m.order {
		m.exec.Cancel(r)
	}
	m.order = m.order[:0]
	for id := range m.requests {
		delete(m.requests, id)
	}
}

func (m *Manager) forget(r *Request) {
	m.exec.Cancel(r)
	delete(m.requests, r.ID)
	for i := range m.order {
		if m.order[i] == r {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
