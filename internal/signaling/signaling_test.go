package signaling

import (
	"context"
	"io"
	"io/ioutil"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gortc/iced/internal/auth"
	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/channel"
	"github.com/gortc/iced/internal/testutil"
)

var (
	credsA = auth.Credentials{Ufrag: "abcdefgh", Pwd: "1234567890abcdefghijkl"}
	credsB = auth.Credentials{Ufrag: "ijklmnop", Pwd: "abcdefghijkl1234567890"}
)

func testCandidate(addr string, creds auth.Credentials) candidate.Candidate {
	return candidate.Candidate{
		ID:         "1",
		Component:  1,
		Type:       candidate.Host,
		Addr:       candidate.MustParseAddr(addr),
		Priority:   candidate.Priority(candidate.PreferenceHost, 0xffff, 1),
		Foundation: "1",
		Ufrag:      creds.Ufrag,
		Pwd:        creds.Pwd,
	}
}

func testLogger(t *testing.T) *zap.Logger {
	core, logs := observer.New(zap.ErrorLevel)
	t.Cleanup(func() { testutil.EnsureNoErrors(t, logs) })
	return zap.New(core)
}

func waitFor(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMessage_Validate(t *testing.T) {
	c := testCandidate("192.0.2.1:5000", credsA)
	for _, tc := range []struct {
		name string
		m    Message
		err  error
	}{
		{"Credentials", CredentialsMessage("a", credsA), nil},
		{"Candidate", CandidateMessage("a", c), nil},
		{"NoCredentials", Message{Kind: KindCredentials}, ErrBadMessage},
		{"NoCandidate", Message{Kind: KindCandidate}, ErrBadMessage},
		{"UnknownKind", Message{Kind: "offer"}, ErrBadMessage},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.m.Validate(); errors.Cause(err) != tc.err {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
	if m := CandidateMessage("a", c); m.Candidate.Pwd != "" || m.Candidate.Ufrag != credsA.Ufrag {
		t.Errorf("unexpected candidate %+v", m.Candidate)
	}
}

// exchange checks that a and b deliver messages to each other and skip
// their own.
func exchange(t *testing.T, a, b Signaler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Send(ctx, CredentialsMessage("", credsA)); err != nil {
		t.Fatal(err)
	}
	m, err := b.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.From != "a" || m.Kind != KindCredentials || *m.Credentials != credsA {
		t.Errorf("unexpected message %+v", m)
	}
	if err = b.Send(ctx, CandidateMessage("", testCandidate("192.0.2.2:6000", credsB))); err != nil {
		t.Fatal(err)
	}
	if m, err = a.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	if m.From != "b" || m.Kind != KindCandidate || m.Candidate.Addr.String() != "192.0.2.2:6000" {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestRedis(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	newSignaler := func(name string) *Redis {
		client := redis.NewClient(&redis.Options{Addr: s.Addr(), Protocol: 2})
		t.Cleanup(func() { client.Close() })
		r, err := NewRedis(ctx, RedisOptions{
			Log: testLogger(t), Client: client, Channel: "call", Name: name,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { r.Close() })
		return r
	}
	exchange(t, newSignaler("a"), newSignaler("b"))
}

func TestWebSocket(t *testing.T) {
	relay := NewRelay(testLogger(t))
	srv := httptest.NewServer(relay)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	a, err := DialWebSocket(ctx, url, WebSocketOptions{Log: testLogger(t), Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := DialWebSocket(ctx, url, WebSocketOptions{Log: testLogger(t), Name: "b"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relay connections", func() bool { return relay.Connections() == 2 })
	exchange(t, a, b)
	if err = a.Close(); err != nil {
		t.Error(err)
	}
	if _, err = a.Receive(ctx); errors.Cause(err) != ErrClosed {
		t.Errorf("unexpected error %v", err)
	}
	waitFor(t, "relay disconnect", func() bool { return relay.Connections() == 1 })
	if err = b.Close(); err != nil {
		t.Error(err)
	}
}

func TestStdio(t *testing.T) {
	t.Run("Pipe", func(t *testing.T) {
		r1, w1 := io.Pipe()
		r2, w2 := io.Pipe()
		a := NewStdio(testLogger(t), "a", r2, w1)
		b := NewStdio(testLogger(t), "b", r1, w2)
		exchange(t, a, b)
		w1.Close()
		if _, err := b.Receive(context.Background()); err != io.EOF {
			t.Errorf("unexpected error %v", err)
		}
		a.Close()
		b.Close()
	})
	t.Run("Skip", func(t *testing.T) {
		input := strings.Join([]string{
			"garbage",
			"",
			`{"from":"b","kind":"credentials","credentials":{"ufrag":"ijklmnop","pwd":"abcdefghijkl1234567890"}}`,
			`{"from":"a","kind":"credentials","credentials":{"ufrag":"abcdefgh","pwd":"1234567890abcdefghijkl"}}`,
		}, "\n")
		b := NewStdio(nil, "b", strings.NewReader(input), ioutil.Discard)
		defer b.Close()
		m, err := b.Receive(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if m.From != "a" || *m.Credentials != credsA {
			t.Errorf("unexpected message %+v", m)
		}
		if _, err = b.Receive(context.Background()); err != io.EOF {
			t.Errorf("unexpected error %v", err)
		}
	})
	t.Run("Canceled", func(t *testing.T) {
		r, _ := io.Pipe()
		s := NewStdio(nil, "a", r, ioutil.Discard)
		defer s.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := s.Receive(ctx); err != context.Canceled {
			t.Errorf("unexpected error %v", err)
		}
	})
}

func TestDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	attempts := 0
	s, err := Dial(ctx, testLogger(t), func(ctx context.Context) (Signaler, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("refused")
		}
		return NewStdio(nil, "a", strings.NewReader(""), ioutil.Discard), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if attempts != 3 {
		t.Errorf("attempts: %d", attempts)
	}
	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := Dial(ctx, nil, func(ctx context.Context) (Signaler, error) {
			return nil, errors.New("refused")
		}); err == nil {
			t.Error("should fail")
		}
	})
}

type fakeTransport struct {
	name  string
	ch    *channel.Channel
	local []candidate.Candidate

	mux      sync.Mutex
	observer channel.Observer
	events   []string
}

func newFakeTransport(t *testing.T, name string, creds auth.Credentials, local ...candidate.Candidate) *fakeTransport {
	ch := channel.New(channel.Options{Name: name})
	if err := ch.SetIceCredentials(creds.Ufrag, creds.Pwd); err != nil {
		t.Fatal(err)
	}
	return &fakeTransport{name: name, ch: ch, local: local}
}

func (f *fakeTransport) Name() string                      { return f.name }
func (f *fakeTransport) Credentials() auth.Credentials     { return f.ch.Credentials() }
func (f *fakeTransport) Candidates() []candidate.Candidate { return f.local }

func (f *fakeTransport) record(e string) {
	f.mux.Lock()
	f.events = append(f.events, e)
	f.mux.Unlock()
}

func (f *fakeTransport) Events() []string {
	f.mux.Lock()
	defer f.mux.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeTransport) SetRemoteCredentials(c auth.Credentials) error {
	f.record("credentials " + c.Ufrag + " " + c.Pwd)
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(c candidate.Candidate) error {
	f.record("candidate " + c.Addr.String() + " " + c.Ufrag + " " + c.Pwd)
	return nil
}

func (f *fakeTransport) Subscribe(o channel.Observer) func() {
	f.mux.Lock()
	f.observer = o
	f.mux.Unlock()
	return func() {
		f.mux.Lock()
		f.observer = nil
		f.mux.Unlock()
	}
}

func (f *fakeTransport) gathered(c candidate.Candidate) {
	f.mux.Lock()
	o := f.observer
	f.mux.Unlock()
	o.OnCandidateGathered(f.ch, c)
}

func TestPump(t *testing.T) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := newFakeTransport(t, "a", credsA, testCandidate("192.0.2.1:5000", credsA))
	b := newFakeTransport(t, "b", credsB)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- Pump(ctx, testLogger(t), a, NewStdio(nil, "a", r2, w1)) }()
	go func() { done <- Pump(ctx, testLogger(t), b, NewStdio(nil, "b", r1, w2)) }()

	waitFor(t, "initial exchange", func() bool { return len(b.Events()) == 2 && len(a.Events()) == 1 })
	if got := b.Events(); got[0] != "credentials abcdefgh 1234567890abcdefghijkl" ||
		got[1] != "candidate 192.0.2.1:5000 abcdefgh " {
		t.Errorf("unexpected events %q", got)
	}

	restarted := auth.Credentials{Ufrag: "qrstuvwx", Pwd: "zyxwvutsrqponmlkjihgfe"}
	if err := a.ch.SetIceCredentials(restarted.Ufrag, restarted.Pwd); err != nil {
		t.Fatal(err)
	}
	a.gathered(testCandidate("192.0.2.1:5001", restarted))
	waitFor(t, "restart", func() bool { return len(b.Events()) == 4 })
	if got := b.Events(); got[2] != "credentials qrstuvwx zyxwvutsrqponmlkjihgfe" ||
		got[3] != "candidate 192.0.2.1:5001 qrstuvwx " {
		t.Errorf("unexpected events %q", got)
	}

	cancel()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Error(err)
		}
	}
}
