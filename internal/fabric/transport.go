package fabric

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/3cpo-dev/clusterctl/pkg/api"
)

// Transport delivers a unit of work to one member and returns its response.
type Transport interface {
	Call(ctx context.Context, m Member, req api.WorkRequest) (api.WorkResponse, error)
}

// HTTPTransport posts work to the member's agent at /v0/work.
type HTTPTransport struct {
	Token  string
	Client *http.Client
	TLS    *tls.Config
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	if t.TLS != nil {
		return &http.Client{Transport: &http.Transport{TLSClientConfig: t.TLS}}
	}
	return http.DefaultClient
}

func (t *HTTPTransport) Call(ctx context.Context, m Member, req api.WorkRequest) (api.WorkResponse, error) {
	var out api.WorkResponse
	if m.AgentAddr == "" {
		return out, fmt.Errorf("member %s advertises no agent address", m.Name)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("marshal work: %w", err)
	}
	scheme := "http"
	if t.TLS != nil {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/v0/work", scheme, m.AgentAddr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.Token)
	}
	resp, err := t.client().Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return out, fmt.Errorf("http %s: %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode work response: %w", err)
	}
	return out, nil
}
