package cli

import (
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/allocator"
	"github.com/gortc/iced/internal/auth"
	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/channel"
	"github.com/gortc/iced/internal/filter"
	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/transport"
)

const defaultConfigFileContent = `# iced configuration file
version: "1"
agent:
  # Name is sent with signaling messages, default is random.
  name: ""
  components: [1]
  role: controlling
  # Zero means random.
  tiebreaker: 0
  # Blank ufrag and pwd mean random credentials.
  ufrag: ""
  pwd: ""
  ice_protocol: rfc5245
  remote_mode: full
  # STUN servers for server-reflexive candidates.
  stun: []
  reuseport: true
  ports:
    min: 0
    max: 0
    pool: false
  networks:
    ipv6: false
    ignore: ["docker", "veth", "br-"]
    cost: {}
  options: {}
  development: false
  log:
    level: info
  prometheus:
    addr: ""
  pprof: ""
filter:
  remote:
    action: allow
    rules: []
signaling:
  kind: stdio
  redis:
    addr: "localhost:6379"
    channel: iced
  websocket:
    url: "ws://localhost:2255/ws"
api:
  addr: ""
`

// Configuration keys.
const (
	keyPrometheusAddr = "agent.prometheus.addr"
	keySignalingKind  = "signaling.kind"
)

func parseFilteringRules(v *viper.Viper, parentLogger *zap.Logger, key string) (*filter.List, error) {
	l := parentLogger.Named(key)
	type rawRuleItem struct {
		Net    string `mapstructure:"net"`
		Action string `mapstructure:"action"`
	}
	var rawRules []rawRuleItem
	if keyErr := v.UnmarshalKey("filter."+key+".rules", &rawRules); keyErr != nil {
		l.Error("failed to parse rules", zap.Error(keyErr))
		return nil, keyErr
	}
	var rules []filter.Rule
	for _, rawRule := range rawRules {
		action, actionErr := filter.ParseAction(rawRule.Action)
		if actionErr != nil {
			l.Error("failed to parse action", zap.String("action", rawRule.Action))
			return nil, actionErr
		}
		rule, ruleErr := filter.StaticNetRule(action, rawRule.Net)
		if ruleErr != nil {
			l.Error("failed to parse subnet",
				zap.Error(ruleErr), zap.String("net", rawRule.Net),
			)
			return nil, ruleErr
		}
		l.Info("added rule",
			zap.Stringer("action", action),
			zap.String("net", rawRule.Net),
		)
		rules = append(rules, rule)
	}
	rawDefault := v.GetString("filter." + key + ".action")
	if rawDefault == "" {
		rawDefault = "allow"
	}
	defaultAction, actionErr := filter.ParseAction(rawDefault)
	if actionErr != nil {
		return nil, actionErr
	}
	if defaultAction == filter.Pass {
		return nil, errors.New("default action cannot be pass")
	}
	l.Info("default action set", zap.Stringer("action", defaultAction))
	return filter.NewFilter(defaultAction, rules...), nil
}

// parsePortOptions parses agent.options map of socket options.
func parsePortOptions(v *viper.Viper) (map[port.Option]int, error) {
	options := make(map[port.Option]int)
	for name := range v.GetStringMap("agent.options") {
		opt, err := port.ParseOption(strings.ToLower(name))
		if err != nil {
			return nil, err
		}
		value := v.GetInt("agent.options." + name)
		if err = port.ValidateOption(opt, value); err != nil {
			return nil, err
		}
		options[opt] = value
	}
	return options, nil
}

// costFunc returns network cost function that uses longest matching name
// prefix from costs, falling back to allocator.DefaultCost.
func costFunc(costs map[string]uint16) func(name string) uint16 {
	return func(name string) uint16 {
		var (
			best    string
			matched bool
		)
		for prefix := range costs {
			if strings.HasPrefix(name, prefix) && len(prefix) >= len(best) {
				best, matched = prefix, true
			}
		}
		if !matched {
			return allocator.DefaultCost(name)
		}
		return costs[best]
	}
}

func parseNetworkCosts(v *viper.Viper) (map[string]uint16, error) {
	costs := make(map[string]uint16)
	for name := range v.GetStringMap("agent.networks.cost") {
		cost := v.GetInt("agent.networks.cost." + name)
		if cost < 0 || cost > int(allocator.CostMax) {
			return nil, errors.Errorf("bad cost %d of %q", cost, name)
		}
		costs[name] = uint16(cost)
	}
	return costs, nil
}

func parseSTUNServers(v *viper.Viper) ([]candidate.Addr, error) {
	var servers []candidate.Addr
	for _, raw := range v.GetStringSlice("agent.stun") {
		udpAddr, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve %q", raw)
		}
		a, err := candidate.FromNetAddr(udpAddr)
		if err != nil {
			return nil, err
		}
		servers = append(servers, a)
	}
	return servers, nil
}

// agentConfig is parsed agent configuration.
type agentConfig struct {
	Transport   transport.Options
	STUNServers []candidate.Addr
	Networks    allocator.SystemNetworks
	MinPort     int
	MaxPort     int
	PoolPorts   bool
	ReusePort   bool
}

func parseConfig(v *viper.Viper, l *zap.Logger) (agentConfig, error) {
	var (
		cfg agentConfig
		err error
	)
	o := &cfg.Transport
	o.Name = v.GetString("agent.name")
	if o.Name == "" {
		o.Name = uuid.New().String()[:8]
	}
	if keyErr := v.UnmarshalKey("agent.components", &o.Components); keyErr != nil {
		return cfg, errors.Wrap(keyErr, "failed to parse components")
	}
	if o.Role, err = port.ParseRole(v.GetString("agent.role")); err != nil {
		return cfg, err
	}
	if raw := v.GetString("agent.tiebreaker"); raw != "" {
		if o.Tiebreaker, err = strconv.ParseUint(raw, 0, 64); err != nil {
			return cfg, errors.Wrap(err, "failed to parse tiebreaker")
		}
	}
	o.Credentials = auth.Credentials{
		Ufrag: v.GetString("agent.ufrag"),
		Pwd:   v.GetString("agent.pwd"),
	}
	if !o.Credentials.IsZero() {
		if err = o.Credentials.Validate(); err != nil {
			return cfg, err
		}
	}
	if o.Protocol, err = port.ParseICEProtocol(v.GetString("agent.ice_protocol")); err != nil {
		return cfg, err
	}
	if o.RemoteMode, err = channel.ParseRemoteMode(v.GetString("agent.remote_mode")); err != nil {
		return cfg, err
	}
	if o.Options, err = parsePortOptions(v); err != nil {
		return cfg, err
	}
	if o.Filter, err = parseFilteringRules(v, l.Named("filter"), "remote"); err != nil {
		return cfg, err
	}
	if cfg.STUNServers, err = parseSTUNServers(v); err != nil {
		return cfg, err
	}
	costs, err := parseNetworkCosts(v)
	if err != nil {
		return cfg, err
	}
	cfg.Networks = allocator.SystemNetworks{
		IPv6:   v.GetBool("agent.networks.ipv6"),
		Ignore: v.GetStringSlice("agent.networks.ignore"),
		Cost:   costFunc(costs),
	}
	cfg.MinPort = v.GetInt("agent.ports.min")
	cfg.MaxPort = v.GetInt("agent.ports.max")
	cfg.PoolPorts = v.GetBool("agent.ports.pool")
	cfg.ReusePort = v.GetBool("agent.reuseport")
	if cfg.MinPort > cfg.MaxPort || cfg.MinPort < 0 {
		return cfg, errors.Errorf("bad port range [%d, %d]", cfg.MinPort, cfg.MaxPort)
	}
	if cfg.PoolPorts && cfg.MinPort == 0 {
		return cfg, errors.New("port pool requires agent.ports.min and agent.ports.max")
	}
	l.Info("parsed config",
		zap.String("name", o.Name),
		zap.Stringer("role", o.Role),
		zap.Stringer("protocol", o.Protocol),
		zap.Stringer("remote_mode", o.RemoteMode),
		zap.Int("stun_servers", len(cfg.STUNServers)),
	)
	return cfg, nil
}
