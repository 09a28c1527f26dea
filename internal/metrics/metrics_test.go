package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheus(t *testing.T) {
	pm := New(prometheus.Labels{"agent": "test"})
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(pm); err != nil {
		t.Fatal(err)
	}
	rtp, rtcp := pm.Component(1), pm.Component(2)
	for i := 0; i < 10; i++ {
		rtp.IncPings()
	}
	rtcp.IncPings()
	rtp.IncRouteChanges()
	rtp.IncRoleConflicts()
	rtp.IncSessions()
	rtp.SetConnections(3)
	rtp.SetWritable(true)
	rtcp.SetWritable(false)
	pm.IncProtocolErrors()
	pm.IncBindingRequests()
	if _, err := reg.Gather(); err != nil {
		t.Error(err)
	}
	for _, tc := range []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"PingsRTP", pm.pings.WithLabelValues("1"), 10},
		{"PingsRTCP", pm.pings.WithLabelValues("2"), 1},
		{"Connections", pm.connections.WithLabelValues("1"), 3},
		{"Writable", pm.writable.WithLabelValues("1"), 1},
		{"NotWritable", pm.writable.WithLabelValues("2"), 0},
		{"ProtocolErrors", pm.protocolErrors, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tc.c); got != tc.want {
				t.Errorf("%v != %v", got, tc.want)
			}
		})
	}
}
