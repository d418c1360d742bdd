// Package discovery supplies the static cluster membership: which members
// exist and where their raft and management endpoints live.
package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// Member is one voting member of the cluster.
type Member struct {
	ID       string `json:"id"`
	RaftAddr string `json:"raftAddr"`
	MgmtAddr string `json:"mgmtAddr,omitempty"`
}

func (m Member) String() string {
	if m.MgmtAddr == "" {
		return m.ID + "=" + m.RaftAddr
	}
	return m.ID + "=" + m.RaftAddr + "/" + m.MgmtAddr
}

// Discovery abstracts how the member list is provided.
type Discovery interface {
	Members() ([]Member, error)
}

// ParseMember parses "id=raftAddr" or "id=raftAddr/mgmtAddr".
func ParseMember(s string) (Member, error) {
	s = strings.TrimSpace(s)
	id, rest, ok := strings.Cut(s, "=")
	id, rest = strings.TrimSpace(id), strings.TrimSpace(rest)
	if !ok || id == "" || rest == "" {
		return Member{}, fmt.Errorf("discovery: bad member %q, want id=raftAddr[/mgmtAddr]", s)
	}
	raft, mgmt, _ := strings.Cut(rest, "/")
	m := Member{ID: id, RaftAddr: strings.TrimSpace(raft), MgmtAddr: strings.TrimSpace(mgmt)}
	if m.RaftAddr == "" {
		return Member{}, fmt.Errorf("discovery: member %q has no raft address", id)
	}
	return m, nil
}

// ParseList parses a comma-separated member list, skipping empty items.
func ParseList(csv string) ([]Member, error) {
	var out []Member
	for _, p := range strings.Split(csv, ",") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		m, err := ParseMember(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Normalize sorts members by ID and rejects an ID listed twice with
// different addresses. Exact repeats collapse into one.
func Normalize(members []Member) ([]Member, error) {
	byID := make(map[string]Member, len(members))
	for _, m := range members {
		if prev, ok := byID[m.ID]; ok && prev != m {
			return nil, fmt.Errorf("discovery: member %s listed as %s and %s", m.ID, prev, m)
		}
		byID[m.ID] = m
	}
	out := make([]Member, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
