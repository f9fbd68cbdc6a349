package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"eventmail/internal/logging"
	"eventmail/internal/types"
)

// StubEmailProvider accepts every message without network access. It is used
// when EMAIL_PROVIDER=stub and in tests that need a recording provider.
type StubEmailProvider struct {
	logger *slog.Logger
	seq    atomic.Int64

	mu   sync.Mutex
	sent []types.SendInput
}

// NewStubEmailProvider creates a StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

// Send records the message and returns a synthetic message id.
func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "stub send cancelled", err)
	}
	id := fmt.Sprintf("stub-%06d", s.seq.Add(1))

	s.mu.Lock()
	s.sent = append(s.sent, input)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stub: email accepted",
		"to", logging.RedactEmail(input.To),
		"subject", input.Subject,
		"provider_msg_id", id,
	)
	return id, nil
}

// Sent returns a copy of every message accepted so far.
func (s *StubEmailProvider) Sent() []types.SendInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SendInput, len(s.sent))
	copy(out, s.sent)
	return out
}

var _ EmailProvider = (*StubEmailProvider)(nil)
