package candidate

import (
	"github.com/pkg/errors"
)

// ErrRejected means that remote candidate can't be used.
var ErrRejected = errors.New("candidate rejected")

func reject(reason string) error {
	return errors.Wrap(ErrRejected, reason)
}

// Validate checks remote candidate. Returned error has ErrRejected
// as cause.
func Validate(c Candidate) error {
	if len(c.Addr.IP) == 0 || c.Addr.IP.IsUnspecified() {
		return reject("address is zero")
	}
	if c.Addr.Port == 0 {
		return reject("port is zero")
	}
	if c.Addr.Port < 1024 {
		if c.Addr.Port != 80 && c.Addr.Port != 443 {
			return reject("port below 1024, but not 80 or 443")
		}
		if c.Addr.IP.IsPrivate() || c.Addr.IP.IsLoopback() {
			return reject("port of 80 or 443 with private ip")
		}
	}
	if c.Component < 1 || c.Component > 256 {
		return reject("bad component")
	}
	return nil
}
