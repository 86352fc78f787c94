package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/clusterctl/internal/telemetry"
	"github.com/3cpo-dev/clusterctl/pkg/api"
)

var (
	// ErrUnreachableTarget means no member carries the requested nodename.
	ErrUnreachableTarget = errors.New("no fabric member for host")
	// ErrAmbiguousTarget means several members carry the same nodename.
	ErrAmbiguousTarget = errors.New("multiple fabric members for host")
)

// RemoteError is a failure raised by the work itself on the remote member.
type RemoteError struct {
	Host    string
	Kind    api.WorkKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s on %s: %s", e.Kind, e.Host, e.Message)
}

// Dispatcher routes work to the members whose nodename matches a hostname.
// It never times out on its own; callers bound each call with ctx.
type Dispatcher struct {
	membership Membership
	transport  Transport
	log        zerolog.Logger
	inflight   sync.WaitGroup
}

func NewDispatcher(m Membership, t Transport) *Dispatcher {
	return &Dispatcher{
		membership: m,
		transport:  t,
		log:        log.With().Str("component", "dispatcher").Logger(),
	}
}

// NewWork wraps payload into a work envelope.
func NewWork(kind api.WorkKind, payload any) (api.WorkRequest, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return api.WorkRequest{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return api.WorkRequest{Kind: kind, Payload: b}, nil
}

// Targets returns the members whose nodename equals hostname. Clients never match.
func (d *Dispatcher) Targets(hostname string) []Member {
	var out []Member
	if hostname == "" {
		return nil
	}
	for _, m := range d.membership.Members() {
		if m.Role != RoleClient && m.Hostname == hostname {
			out = append(out, m)
		}
	}
	return out
}

// RunOn sends req to every member on hostname without waiting for results.
// Failures are logged. It fails only when no member matches.
func (d *Dispatcher) RunOn(ctx context.Context, hostname string, req api.WorkRequest) error {
	targets := d.Targets(hostname)
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrUnreachableTarget, hostname)
	}
	d.log.Info().Str("host", hostname).Str("kind", string(req.Kind)).Int("members", len(targets)).Msg("Executing command on host")
	bg := context.WithoutCancel(ctx)
	for _, m := range targets {
		d.inflight.Add(1)
		go func(m Member) {
			defer d.inflight.Done()
			if _, err := d.send(bg, hostname, m, req); err != nil {
				d.log.Error().Err(err).Str("host", hostname).Str("member", m.Name).Msg("broadcast work failed")
			}
		}(m)
	}
	return nil
}

// Wait blocks until every RunOn delivery has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Call sends req to the single member on hostname and returns its raw result.
func (d *Dispatcher) Call(ctx context.Context, hostname string, req api.WorkRequest) (json.RawMessage, error) {
	targets := d.Targets(hostname)
	switch len(targets) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrUnreachableTarget, hostname)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %s matched %d members", ErrAmbiguousTarget, hostname, len(targets))
	}
	d.log.Info().Str("host", hostname).Str("kind", string(req.Kind)).Msg("Executing command on host")
	return d.send(ctx, hostname, targets[0], req)
}

func (d *Dispatcher) send(ctx context.Context, hostname string, m Member, req api.WorkRequest) (json.RawMessage, error) {
	start := time.Now()
	labels := map[string]string{"component": "dispatcher", "kind": string(req.Kind), "host": hostname}
	resp, err := d.transport.Call(ctx, m, req)
	if err == nil && resp.Error != "" {
		host := resp.Host
		if host == "" {
			host = hostname
		}
		err = &RemoteError{Host: host, Kind: req.Kind, Message: resp.Error}
	}
	telemetry.TimerGlobal("clusterctl_dispatch_duration", time.Since(start), labels)
	if err != nil {
		telemetry.CounterGlobal("clusterctl_dispatch_failed", 1, labels)
		return nil, err
	}
	telemetry.CounterGlobal("clusterctl_dispatch_successful", 1, labels)
	return resp.Result, nil
}

// CallOn dispatches req to hostname and decodes the single result into R.
func CallOn[R any](ctx context.Context, d *Dispatcher, hostname string, req api.WorkRequest) (R, error) {
	var out R
	raw, err := d.Call(ctx, hostname, req)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result from %s: %w", req.Kind, hostname, err)
	}
	return out, nil
}
