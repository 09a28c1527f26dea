// Package auth implements ICE credentials.
package auth

import (
	"crypto/rand"
	"io"

	"github.com/gortc/stun"
	"github.com/pkg/errors"
)

// Lengths of generated credentials.
const (
	UfragLength = 4
	PwdLength   = 22
)

// Limits of valid credentials, RFC 5245 Section 15.4.
const (
	minUfragLength = 4
	minPwdLength   = 22
	maxLength      = 256
)

// iceChars are "ice-char" of RFC 5245 grammar.
const iceChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// ErrBadCredentials means that ufrag or pwd violate ice-char grammar or
// length limits.
var ErrBadCredentials = errors.New("bad ice credentials")

// Credentials are ICE username fragment and password.
type Credentials struct {
	Ufrag string `json:"ufrag"`
	Pwd   string `json:"pwd"`
}

// IsZero reports whether credentials are blank.
func (c Credentials) IsZero() bool { return c.Ufrag == "" && c.Pwd == "" }

// Integrity returns short-term MESSAGE-INTEGRITY keyed by pwd.
func (c Credentials) Integrity() stun.MessageIntegrity {
	return stun.NewShortTermIntegrity(c.Pwd)
}

func validChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
		default:
			return false
		}
	}
	return true
}

// Validate checks credentials for ice-char grammar and length.
func (c Credentials) Validate() error {
	if len(c.Ufrag) < minUfragLength || len(c.Ufrag) > maxLength {
		return errors.Wrapf(ErrBadCredentials, "ufrag length %d", len(c.Ufrag))
	}
	if len(c.Pwd) < minPwdLength || len(c.Pwd) > maxLength {
		return errors.Wrapf(ErrBadCredentials, "pwd length %d", len(c.Pwd))
	}
	if !validChars(c.Ufrag) || !validChars(c.Pwd) {
		return errors.Wrap(ErrBadCredentials, "invalid characters")
	}
	return nil
}

func randomString(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "failed to read random")
	}
	for i := range buf {
		buf[i] = iceChars[buf[i]%byte(len(iceChars))]
	}
	return string(buf), nil
}

// NewCredentials returns random credentials read from r. Nil r means
// crypto/rand.
func NewCredentials(r io.Reader) (Credentials, error) {
	if r == nil {
		r = rand.Reader
	}
	ufrag, err := randomString(r, UfragLength)
	if err != nil {
		return Credentials{}, err
	}
	pwd, err := randomString(r, PwdLength)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Ufrag: ufrag, Pwd: pwd}, nil
}

// MustNewCredentials is NewCredentials from crypto/rand that panics on
// error.
func MustNewCredentials() Credentials {
	c, err := NewCredentials(nil)
	if err != nil {
		panic(err)
	}
	return c
}

// Remote is list of remote credentials retained across ICE restarts.
// Generation of credentials is their index in list.
//
// Remote is not safe for concurrent use.
type Remote struct {
	list []Credentials
}

// Add appends credentials as newest generation and returns it. If newest
// credentials have same ufrag, pwd is updated in place and updated is
// true.
func (r *Remote) Add(c Credentials) (generation int, updated bool) {
	if n := len(r.list); n > 0 && r.list[n-1].Ufrag == c.Ufrag {
		updated = r.list[n-1].Pwd != c.Pwd
		r.list[n-1].Pwd = c.Pwd
		return n - 1, updated
	}
	r.list = append(r.list, c)
	return len(r.list) - 1, false
}

// Find returns newest credentials with ufrag and their generation.
func (r *Remote) Find(ufrag string) (Credentials, int, bool) {
	for i := len(r.list) - 1; i >= 0; i-- {
		if r.list[i].Ufrag == ufrag {
			return r.list[i], i, true
		}
	}
	return Credentials{}, 0, false
}

// Latest returns newest credentials.
func (r *Remote) Latest() (Credentials, bool) {
	if len(r.list) == 0 {
		return Credentials{}, false
	}
	return r.list[len(r.list)-1], true
}

// Len returns count of retained credentials.
func (r *Remote) Len() int { return len(r.list) }

// Generation returns generation of newest credentials or zero.
func (r *Remote) Generation() int {
	if len(r.list) == 0 {
		return 0
	}
	return len(r.list) - 1
}
