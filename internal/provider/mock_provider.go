package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MockProvider accepts every recipient without leaving the process. It backs
// local runs and tests; failure behavior is scriptable via FailWith.
type MockProvider struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	failWith error
	calls    []SendRequest
}

func NewMockProvider(name string, logger *slog.Logger) *MockProvider {
	return &MockProvider{name: name, logger: logger.With("provider", name)}
}

func (p *MockProvider) Name() string { return p.name }

// FailWith makes every subsequent Send return err; nil restores success.
func (p *MockProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Calls returns a copy of every request seen so far.
func (p *MockProvider) Calls() []SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SendRequest(nil), p.calls...)
}

func (p *MockProvider) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	failWith := p.failWith
	p.mu.Unlock()

	if failWith != nil {
		return nil, failWith
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.logger.DebugContext(ctx, "Mock provider accepted batch", "recipients", len(req.Recipients))
	return &SendResult{
		Accepted:          req.Recipients,
		ProviderMessageID: uuid.NewString(),
		Provider:          p.name,
	}, nil
}
