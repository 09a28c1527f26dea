// Package signaling exchanges ICE credentials and candidates between
// agents over redis pub/sub, websocket relay or standard streams.
package signaling

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/auth"
	"github.com/gortc/iced/internal/candidate"
)

// Kind of signaling message.
type Kind string

// Message kinds.
const (
	KindCredentials Kind = "credentials"
	KindCandidate   Kind = "candidate"
)

// Message is signaling message.
type Message struct {
	// From is name of sending agent.
	From        string               `json:"from"`
	Kind        Kind                 `json:"kind"`
	Credentials *auth.Credentials    `json:"credentials,omitempty"`
	Candidate   *candidate.Candidate `json:"candidate,omitempty"`
}

// CredentialsMessage returns message that announces credentials.
func CredentialsMessage(from string, c auth.Credentials) Message {
	return Message{From: from, Kind: KindCredentials, Credentials: &c}
}

// CandidateMessage returns message that announces candidate. Password is
// not sent, it is part of credentials.
func CandidateMessage(from string, c candidate.Candidate) Message {
	c.Pwd = ""
	return Message{From: from, Kind: KindCandidate, Candidate: &c}
}

// ErrBadMessage means that message is malformed.
var ErrBadMessage = errors.New("bad signaling message")

// Validate checks that message has payload of its kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindCredentials:
		if m.Credentials == nil {
			return errors.Wrap(ErrBadMessage, "no credentials")
		}
	case KindCandidate:
		if m.Candidate == nil {
			return errors.Wrap(ErrBadMessage, "no candidate")
		}
	default:
		return errors.Wrapf(ErrBadMessage, "unknown kind %q", m.Kind)
	}
	return nil
}

// Signaler sends and receives signaling messages. Own messages are never
// received.
type Signaler interface {
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Dialer connects new Signaler.
type Dialer func(ctx context.Context) (Signaler, error)

// Dial calls d until it succeeds or ctx is done, backing off
// exponentially between attempts.
func Dial(ctx context.Context, l *zap.Logger, d Dialer) (Signaler, error) {
	if l == nil {
		l = zap.NewNop()
	}
	var s Signaler
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		var err error
		s, err = d(ctx)
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		l.Warn("failed to connect signaling", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
