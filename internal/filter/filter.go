// Package filter implements remote candidate filtering.
package filter

import (
	"net"
	"strings"

	"github.com/pkg/errors"

	"github.com/gortc/iced/internal/candidate"
)

// Action is possible action that can be applied to candidate.
type Action byte

var actionToStr = map[Action]string{
	Pass:  "pass",
	Allow: "allow",
	Deny:  "deny",
}

func (a Action) String() string {
	return actionToStr[a]
}

// Possible action list.
const (
	Pass Action = iota
	Allow
	Deny
)

// ErrUnknownAction is returned by ParseAction for unknown values.
var ErrUnknownAction = errors.New("unknown action")

// ParseAction parses action name, accepting aliases.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow", "accept":
		return Allow, nil
	case "drop", "forbid", "deny", "block":
		return Deny, nil
	case "pass", "none", "":
		return Pass, nil
	default:
		return Pass, errors.Wrap(ErrUnknownAction, s)
	}
}

// Rule represents filtering rule.
type Rule interface {
	Action(c candidate.Candidate) Action
}

type subnetRule struct {
	action Action
	net    *net.IPNet
}

func (r subnetRule) Action(c candidate.Candidate) Action {
	if r.net.Contains(c.Addr.IP) {
		return r.action
	}
	return Pass
}

// AllowNet allows any candidate with address from subnet.
func AllowNet(subnet string) (Rule, error) {
	return StaticNetRule(Allow, subnet)
}

// ForbidNet blocks any candidate with address from subnet.
func ForbidNet(subnet string) (Rule, error) {
	return StaticNetRule(Deny, subnet)
}

// StaticNetRule returns rule that applies action to candidates with
// address from subnet.
func StaticNetRule(action Action, subnet string) (Rule, error) {
	_, parsedNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, err
	}
	return subnetRule{action: action, net: parsedNet}, nil
}

type typeRule struct {
	action Action
	t      candidate.Type
}

func (r typeRule) Action(c candidate.Candidate) Action {
	if c.Type == r.t {
		return r.action
	}
	return Pass
}

// TypeRule returns rule that applies action to candidates of type t.
func TypeRule(action Action, t candidate.Type) Rule {
	return typeRule{action: action, t: t}
}

type allowAll struct{}

func (allowAll) Action(c candidate.Candidate) Action { return Allow }

// AllowAll is Rule that always returns Allow.
var AllowAll Rule = allowAll{}

// Allowed reports whether rule does not deny candidate.
func Allowed(r Rule, c candidate.Candidate) bool {
	if r == nil {
		return true
	}
	return r.Action(c) != Deny
}

// List is list of rules with default action.
type List struct {
	action Action
	rules  []Rule
}

// Action implements Rule.
//
// Returns first matched rule from list or default action if none found.
// Matched is rule that returned Allow or Deny action (not "Pass").
func (f *List) Action(c candidate.Candidate) Action {
	for i := range f.rules {
		a := f.rules[i].Action(c)
		if a == Pass {
			continue
		}
		return a
	}
	return f.action
}

// NewFilter initializes and returns new List with provided default action
// and rule list.
func NewFilter(action Action, rules ...Rule) *List { return &List{rules: rules, action: action} }
