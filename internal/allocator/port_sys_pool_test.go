package allocator

import (
	"crypto/rand"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/testutil"
	"github.com/gortc/iced/internal/worker"
)

func TestPooledSockets_ListenUDP(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	defer testutil.EnsureNoErrors(t, logs)
	exec := worker.NewLoop(worker.Options{})
	defer exec.Close()
	f := &PooledSockets{
		Log:     zap.New(core),
		Exec:    exec,
		MinPort: 34000,
		MaxPort: 34001,
		Rand:    rand.Reader,
	}
	defer f.Close()
	s, got := receiveOne(t, f, loopback)
	p := s.LocalAddr().(*net.UDPAddr).Port
	if p < 34000 || p > 34001 {
		t.Errorf("port %d not in range", p)
	}
	from := sendTo(t, s, "pooled")
	expectDatagram(t, got, "pooled", from)

	second, _ := receiveOne(t, f, loopback)
	if second.LocalAddr().String() == s.LocalAddr().String() {
		t.Error("same port allocated twice")
	}
	noop := func([]byte, candidate.Addr, time.Time) {}
	if _, err := f.ListenUDP(loopback, noop); err != ErrOutOfCapacity {
		t.Errorf("unexpected error %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err == nil {
		t.Error("double close should error")
	}
	again, err := f.ListenUDP(loopback, noop)
	if err != nil {
		t.Fatal(err)
	}
	if again.LocalAddr().(*net.UDPAddr).Port != p {
		t.Error("released port should be reused")
	}
	again.Close()
	second.Close()
}

func TestPooledSockets_BadRange(t *testing.T) {
	f := &PooledSockets{MinPort: 10, MaxPort: 5}
	if _, err := f.ListenUDP(loopback, func([]byte, candidate.Addr, time.Time) {}); err == nil {
		t.Error("should error")
	}
}
