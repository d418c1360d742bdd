package raftcons

import "fmt"

// Policy toggles behaviour that deployments may want to change.
type Policy interface {
	// AutomaticElectionsEnabled arms the election timer on followers. When
	// false, elections only start through Node.Campaign.
	AutomaticElectionsEnabled() bool
	// ApplyBeforeConsensus lets the leader apply a command to the state
	// machine as soon as it is appended locally. Such entries are not applied
	// again when they commit. Only safe where losing an uncommitted write on
	// leader change is acceptable.
	ApplyBeforeConsensus() bool
}

type policy struct {
	name      string
	elections bool
	preApply  bool
}

func (p policy) AutomaticElectionsEnabled() bool { return p.elections }
func (p policy) ApplyBeforeConsensus() bool      { return p.preApply }
func (p policy) String() string                  { return p.name }

func DefaultPolicy() Policy { return policy{name: "default", elections: true} }

// DisableElectionsPolicy leaves leadership to an operator.
func DisableElectionsPolicy() Policy { return policy{name: "disable-elections"} }

// TwoNodeClusterPolicy keeps a two-member cluster writable from a fixed
// leader: no automatic elections, commands applied on append.
func TwoNodeClusterPolicy() Policy { return policy{name: "two-node", preApply: true} }

// PolicyByName maps a config string to a Policy. Empty selects the default.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "default":
		return DefaultPolicy(), nil
	case "disable-elections":
		return DisableElectionsPolicy(), nil
	case "two-node":
		return TwoNodeClusterPolicy(), nil
	default:
		return nil, fmt.Errorf("raftcons: unknown policy %q", name)
	}
}
