package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const (
	RoleServer = "server"
	RoleClient = "client"
)

// Member is one process in the fabric. Hostname is the nodename attribute
// used to route work; clients leave it empty and never receive work.
type Member struct {
	Name      string
	Hostname  string
	AgentAddr string
	Role      string
}

type memberMeta struct {
	NodeName  string `json:"nodename,omitempty"`
	AgentAddr string `json:"agent_addr,omitempty"`
	Role      string `json:"role"`
}

func encodeMeta(m Member) ([]byte, error) {
	b, err := json.Marshal(memberMeta{NodeName: m.Hostname, AgentAddr: m.AgentAddr, Role: m.Role})
	if err != nil {
		return nil, fmt.Errorf("encode member meta: %w", err)
	}
	return b, nil
}

func decodeMeta(name string, data []byte) (Member, error) {
	var meta memberMeta
	if len(data) > 0 {
		if err := json.Unmarshal(data, &meta); err != nil {
			return Member{}, fmt.Errorf("decode meta of %s: %w", name, err)
		}
	}
	return Member{Name: name, Hostname: meta.NodeName, AgentAddr: meta.AgentAddr, Role: meta.Role}, nil
}

// Membership is a live view of the fabric held by a joined process.
type Membership interface {
	Members() []Member
	Leave(ctx context.Context) error
}

// Joiner joins the fabric using seeds as the static initial member list.
type Joiner interface {
	Join(ctx context.Context, seeds []string) (Membership, error)
}

// StaticMembership is a fixed member list, used where no gossip is running.
type StaticMembership struct {
	mu      sync.Mutex
	members []Member
	left    bool
}

func NewStaticMembership(members ...Member) *StaticMembership {
	return &StaticMembership{members: members}
}

func (s *StaticMembership) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return nil
	}
	out := make([]Member, len(s.members))
	copy(out, s.members)
	return out
}

func (s *StaticMembership) Leave(ctx context.Context) error {
	s.mu.Lock()
	s.left = true
	s.mu.Unlock()
	return nil
}

// StaticJoiner hands out a StaticMembership over a fixed set of members.
type StaticJoiner struct {
	mu      sync.Mutex
	Members []Member
	joins   int
	active  int
}

func (j *StaticJoiner) Join(ctx context.Context, seeds []string) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	j.joins++
	j.active++
	j.mu.Unlock()
	return &staticSession{StaticMembership: NewStaticMembership(j.Members...), joiner: j}, nil
}

// Joins returns how many times Join was called.
func (j *StaticJoiner) Joins() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.joins
}

// Active returns how many joined sessions have not left yet.
func (j *StaticJoiner) Active() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.active
}

type staticSession struct {
	*StaticMembership
	joiner *StaticJoiner
	once   sync.Once
}

func (s *staticSession) Leave(ctx context.Context) error {
	s.once.Do(func() {
		s.joiner.mu.Lock()
		s.joiner.active--
		s.joiner.mu.Unlock()
	})
	return s.StaticMembership.Leave(ctx)
}
