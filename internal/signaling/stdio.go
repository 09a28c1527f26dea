package signaling

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Stdio is Signaler that writes messages as JSON lines to w and reads
// them from r, so agents can be linked by pipes or by hand.
type Stdio struct {
	log       *zap.Logger
	name      string
	w         io.Writer
	writeMux  sync.Mutex
	in        chan received
	done      chan struct{}
	closeOnce sync.Once
}

// NewStdio returns Stdio signaler over r and w.
func NewStdio(l *zap.Logger, name string, r io.Reader, w io.Writer) *Stdio {
	if l == nil {
		l = zap.NewNop()
	}
	s := &Stdio{
		log:  l.Named("signaling"),
		name: name,
		w:    w,
		in:   make(chan received),
		done: make(chan struct{}),
	}
	scanner := bufio.NewScanner(r)
	go readLoop(func() (Message, error) {
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var m Message
			if err := json.Unmarshal(line, &m); err != nil {
				s.log.Warn("failed to decode message", zap.Error(err))
				continue
			}
			if m.From == s.name {
				continue
			}
			return m, nil
		}
		if err := scanner.Err(); err != nil {
			return Message{}, errors.Wrap(err, "failed to read")
		}
		return Message{}, io.EOF
	}, s.in, s.done)
	return s
}

// Send implements Signaler.
func (s *Stdio) Send(ctx context.Context, m Message) error {
	m.From = s.name
	buf, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to encode")
	}
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	_, err = s.w.Write(append(buf, '\n'))
	return errors.Wrap(err, "failed to write")
}

// Receive implements Signaler.
func (s *Stdio) Receive(ctx context.Context) (Message, error) {
	return receive(ctx, s.in, s.done)
}

// Close implements Signaler. Underlying streams are not closed.
func (s *Stdio) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
