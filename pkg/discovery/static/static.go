package static

import (
	"github.com/amirimatin/go-raft/pkg/discovery"
)

type staticMembers struct {
	members []discovery.Member
}

func (s *staticMembers) Members() ([]discovery.Member, error) {
	return append([]discovery.Member(nil), s.members...), nil
}

// New returns a Discovery that always returns the given members.
func New(members ...discovery.Member) (discovery.Discovery, error) {
	ms, err := discovery.Normalize(members)
	if err != nil {
		return nil, err
	}
	return &staticMembers{members: ms}, nil
}

// Parse builds a Discovery from a comma-separated "id=raft[/mgmt]" list.
func Parse(csv string) (discovery.Discovery, error) {
	ms, err := discovery.ParseList(csv)
	if err != nil {
		return nil, err
	}
	return New(ms...)
}
