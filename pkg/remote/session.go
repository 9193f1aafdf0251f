// Package remote attaches tools served by external MCP servers to the
// dispatch core. A Session is a scoped resource: dispatch leases it for the
// duration of an exchange that executes tools and releases it afterward.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harunnryd/kirana/pkg/errorsx"
)

// transportBuilder is overridden in tests to stub the transport factory.
var transportBuilder = buildTransport

// Session is one connection to a remote tool server. The connection is
// lazy: nothing is dialed until the first lease or call.
type Session struct {
	name string
	spec string

	client *mcpsdk.Client

	mu      sync.Mutex
	session *mcpsdk.ClientSession
	leases  int
	closed  bool
}

// NewSession builds a session for the given transport spec. Specs:
// "stdio://<command>" launches a subprocess, "sse://<host>" and
// "http(s)://..." dial over HTTP; a bare command string implies stdio.
func NewSession(name, spec string) *Session {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "kirana", Version: "dev"}, nil)
	return &Session{name: name, spec: spec, client: client}
}

// Name identifies the session in logs and tool provenance.
func (s *Session) Name() string { return s.name }

// connectLocked dials the server. Callers hold s.mu.
func (s *Session) connectLocked(ctx context.Context) error {
	if s.closed {
		return errorsx.New(errorsx.ReasonRemoteClosed, "remote session "+s.name+" is closed")
	}
	if s.session != nil {
		return nil
	}
	transport, err := transportBuilder(ctx, s.spec)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRemoteConnect)
	}
	session, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRemoteConnect)
	}
	s.session = session
	return nil
}

// Acquire leases the session for one dispatch run, connecting on the first
// lease.
func (s *Session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return err
	}
	s.leases++
	return nil
}

// Release returns one lease. When the last lease goes the connection is
// torn down; the next Acquire dials again.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases == 0 {
		return
	}
	s.leases--
	if s.leases == 0 && s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
}

// Close shuts the session down for good. Further leases and calls fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.leases = 0
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

// Descriptor is one tool advertised by the remote server.
type Descriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ListTools fetches the server's tool catalog.
func (s *Session) ListTools(ctx context.Context) ([]Descriptor, error) {
	session, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonRemoteInvoke)
		}
		out = append(out, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaMap(tool.InputSchema),
		})
	}
	return out, nil
}

// Invoke calls a remote tool. Text content is joined; an IsError result
// surfaces as an error so dispatch captures it as the tool's error payload.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	session, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRemoteInvoke)
	}
	text := joinText(result.Content)
	if result.IsError {
		return nil, errorsx.New(errorsx.ReasonRemoteInvoke, "remote tool "+name+" failed: "+text)
	}
	// Structured payloads come back as JSON text.
	var structured any
	if json.Unmarshal([]byte(text), &structured) == nil {
		return structured, nil
	}
	return text, nil
}

func (s *Session) current(ctx context.Context) (*mcpsdk.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s.session, nil
}

func joinText(content []mcpsdk.Content) string {
	var sb strings.Builder
	for _, item := range content {
		if text, ok := item.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String()
}

func schemaMap(raw any) map[string]any {
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	// Fall back through JSON for typed schema values.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func buildTransport(ctx context.Context, spec string) (mcpsdk.Transport, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("remote: transport spec is empty")
	}
	lowered := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lowered, "stdio://"):
		return buildStdioTransport(ctx, spec[len("stdio://"):])
	case strings.HasPrefix(lowered, "sse://"):
		endpoint := "https://" + strings.TrimSpace(spec[len("sse://"):])
		return buildSSETransport(endpoint)
	case strings.HasPrefix(lowered, "http+stream://"):
		return buildHTTPTransport("http://" + spec[len("http+stream://"):])
	case strings.HasPrefix(lowered, "https+stream://"):
		return buildHTTPTransport("https://" + spec[len("https+stream://"):])
	case strings.HasPrefix(lowered, "http://"), strings.HasPrefix(lowered, "https://"):
		return buildHTTPTransport(spec)
	}
	return buildStdioTransport(ctx, spec)
}

func buildStdioTransport(ctx context.Context, cmdSpec string) (mcpsdk.Transport, error) {
	parts := strings.Fields(strings.TrimSpace(cmdSpec))
	if len(parts) == 0 {
		return nil, fmt.Errorf("remote: stdio command is empty")
	}
	command := exec.CommandContext(ctx, parts[0], parts[1:]...)
	return &mcpsdk.CommandTransport{Command: command}, nil
}

func buildSSETransport(endpoint string) (mcpsdk.Transport, error) {
	normalized, err := normalizeHTTPURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid SSE endpoint: %w", err)
	}
	return &mcpsdk.SSEClientTransport{Endpoint: normalized}, nil
}

func buildHTTPTransport(endpoint string) (mcpsdk.Transport, error) {
	normalized, err := normalizeHTTPURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid HTTP endpoint: %w", err)
	}
	return &mcpsdk.StreamableClientTransport{Endpoint: normalized}, nil
}

func normalizeHTTPURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}
