package fabric

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"
)

type GossipConfig struct {
	// NodeName must be unique in the fabric; a UUID is used when empty.
	NodeName string
	BindAddr string
	// Port is the local gossip port; 0 picks a free one.
	Port int
	// SeedPort is added to seeds given without a port; Port when zero.
	SeedPort int
	// Self is advertised through node meta.
	Self Member

	JoinAttempts uint
	LeaveTimeout time.Duration
}

// GossipJoiner joins a memberlist fabric.
type GossipJoiner struct {
	cfg GossipConfig
}

func NewGossipJoiner(cfg GossipConfig) *GossipJoiner {
	return &GossipJoiner{cfg: cfg}
}

// Join creates a memberlist node and joins it to seeds. Seeds without a port
// get the configured seed port.
func (j *GossipJoiner) Join(ctx context.Context, seeds []string) (Membership, error) {
	meta, err := encodeMeta(j.cfg.Self)
	if err != nil {
		return nil, err
	}
	name := j.cfg.NodeName
	if name == "" {
		name = uuid.NewString()
	}

	config := memberlist.DefaultLANConfig()
	config.Name = name
	if j.cfg.BindAddr != "" {
		config.BindAddr = j.cfg.BindAddr
	}
	config.BindPort = j.cfg.Port
	config.AdvertisePort = j.cfg.Port
	config.LogOutput = io.Discard
	config.Delegate = &metaDelegate{meta: meta}

	ml, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	seedPort := j.cfg.SeedPort
	if seedPort == 0 {
		seedPort = j.cfg.Port
	}
	addrs := make([]string, 0, len(seeds))
	for _, s := range seeds {
		addrs = append(addrs, withPort(s, seedPort))
	}
	attempts := j.cfg.JoinAttempts
	if attempts == 0 {
		attempts = 3
	}
	err = retry.Do(
		func() error {
			_, err := ml.Join(addrs)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().Err(err).Strs("seeds", addrs).Msgf("failed to join fabric, attempt: %d", attempt)
		}),
	)
	if err != nil {
		_ = ml.Shutdown()
		return nil, fmt.Errorf("failed to join memberlist: %w", err)
	}
	log.Info().Str("node", name).Int("members", ml.NumMembers()).Msg("joined fabric")
	return &Gossip{list: ml, leaveTimeout: j.cfg.LeaveTimeout}, nil
}

// Gossip is a joined memberlist node.
type Gossip struct {
	list         *memberlist.Memberlist
	leaveTimeout time.Duration
}

func (g *Gossip) Members() []Member {
	nodes := g.list.Members()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		m, err := decodeMeta(n.Name, n.Meta)
		if err != nil {
			log.Warn().Err(err).Msg("skipping member with unreadable meta")
			continue
		}
		if strings.HasPrefix(m.AgentAddr, ":") {
			m.AgentAddr = net.JoinHostPort(n.Addr.String(), strings.TrimPrefix(m.AgentAddr, ":"))
		}
		out = append(out, m)
	}
	return out
}

// minLeaveWait is the least time given to the leave broadcast, even when ctx
// is about to expire.
const minLeaveWait = time.Second

// Leave broadcasts the departure and shuts the node down.
func (g *Gossip) Leave(ctx context.Context) error {
	log.Warn().Msg("start graceful leaving from fabric")
	leaveErr := g.list.Leave(leaveWait(ctx, g.leaveTimeout))
	if err := g.list.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return leaveErr
}

func leaveWait(ctx context.Context, configured time.Duration) time.Duration {
	timeout := configured
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if timeout < minLeaveWait {
		timeout = minLeaveWait
	}
	return timeout
}

func withPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		log.Error().Int("limit", limit).Int("size", len(d.meta)).Msg("node meta exceeds memberlist limit")
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte) {}

func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *metaDelegate) LocalState(join bool) []byte { return nil }

func (d *metaDelegate) MergeRemoteState(buf []byte, join bool) {}
