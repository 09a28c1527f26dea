package cli

import (
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/allocator"
	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/transport"
	"github.com/gortc/iced/internal/vnet"
	"github.com/gortc/iced/internal/worker"
)

type simulateOptions struct {
	Duration   time.Duration
	Latency    time.Duration
	Loss       float64
	NAT        bool
	Seed       int64
	Components []int
}

type simulateResult struct {
	Duration  string            `json:"duration"`
	Writable  bool              `json:"writable"`
	Delivered uint64            `json:"delivered"`
	Dropped   uint64            `json:"dropped"`
	Agents    []transport.Stats `json:"agents"`
}

var simulationStart = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

// simulate connects two agents over virtual network with virtual time.
// Agent "a" is optionally behind symmetric NAT.
func simulate(l *zap.Logger, o simulateOptions) (*simulateResult, error) {
	if o.Loss < 0 || o.Loss >= 1 {
		return nil, errors.Errorf("bad loss %f", o.Loss)
	}
	if len(o.Components) == 0 {
		o.Components = []int{1}
	}
	exec := worker.NewManual(simulationStart)
	n := vnet.New(vnet.Options{Log: l.Named("vnet"), Exec: exec, Latency: o.Latency})
	defer n.Close()
	rnd := rand.New(rand.NewSource(o.Seed)) // #nosec
	if o.Loss > 0 {
		n.SetLoss(func(from, to candidate.Addr) bool { return rnd.Float64() < o.Loss })
	}
	ipA, ipB := net.IPv4(192, 0, 2, 1).To4(), net.IPv4(192, 0, 2, 2).To4()
	if o.NAT {
		ipA = net.IPv4(10, 0, 0, 1).To4()
		n.AddSymmetricNAT(ipA, net.IPv4(203, 0, 113, 1).To4(), 40000)
	}
	newTransport := func(name string, ip net.IP, role port.Role) (*transport.Transport, error) {
		tl := l.Named(name)
		return transport.New(transport.Options{
			Log:  tl,
			Exec: exec,
			Allocator: allocator.NewBasic(allocator.Options{
				Log:  tl,
				Exec: exec,
				Networks: allocator.StaticNetworks{
					{Name: "eth0", IP: ip, PrefixLen: 24, ID: 1},
				},
				Sockets:  allocator.VirtualSockets{Net: n},
				Software: software,
				Rand:     rnd,
			}),
			Name:       name,
			Components: o.Components,
			Role:       role,
			Rand:       rnd,
		})
	}
	a, err := newTransport("a", ipA, port.RoleControlling)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	b, err := newTransport("b", ipB, port.RoleControlled)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	if err = multierr.Append(a.Connect(), b.Connect()); err != nil {
		return nil, err
	}
	exec.Run()
	for _, p := range [][2]*transport.Transport{{a, b}, {b, a}} {
		from, to := p[0], p[1]
		if err = to.SetRemoteCredentials(from.Credentials()); err != nil {
			return nil, err
		}
		if o.NAT && from == a {
			// Host candidates behind NAT are not reachable.
			continue
		}
		for _, c := range from.Candidates() {
			if err = to.AddRemoteCandidate(c); err != nil {
				return nil, err
			}
		}
	}
	exec.Advance(o.Duration)
	return &simulateResult{
		Duration:  o.Duration.String(),
		Writable:  a.Writable() && b.Writable(),
		Delivered: n.Delivered(),
		Dropped:   n.Dropped(),
		Agents:    []transport.Stats{a.Stats(), b.Stats()},
	}, nil
}

func runSimulate(v *viper.Viper, o simulateOptions, stdout io.Writer) error {
	l, _ := getLogger(v)
	defer l.Sync() // nolint: errcheck
	res, err := simulate(l, o)
	if err != nil {
		return err
	}
	e := json.NewEncoder(stdout)
	e.SetIndent("", "  ")
	return e.Encode(res)
}

func getSimulateCmd(v *viper.Viper) *cobra.Command {
	var o simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "connect two agents over virtual network and print statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(v, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&o.Duration, "duration", 5*time.Second, "virtual time to run")
	cmd.Flags().DurationVar(&o.Latency, "latency", 20*time.Millisecond, "one way latency")
	cmd.Flags().Float64Var(&o.Loss, "loss", 0, "probability of datagram loss")
	cmd.Flags().BoolVar(&o.NAT, "nat", false, "put first agent behind symmetric NAT")
	cmd.Flags().Int64Var(&o.Seed, "seed", 1, "random seed")
	cmd.Flags().IntSliceVar(&o.Components, "components", []int{1}, "components of both agents")
	return cmd
}
