package provider

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// GatewayConfig bounds the Gateway's retry and batching behavior.
type GatewayConfig struct {
	// MaxAttempts is the per-chunk attempt bound on the primary channel.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BatchSize chunks bulk sends; chunks go out sequentially.
	BatchSize int
	// RatePerSecond throttles provider calls across chunks and retries.
	RatePerSecond float64
}

// DispatchResult aggregates per-recipient outcomes across all chunks of one
// send. A chunk that fails on both channels contributes its recipients to
// Rejected without aborting the remaining chunks.
type DispatchResult struct {
	Accepted          []string
	Rejected          []string
	Provider          string
	ProviderMessageID string
}

// TotalFailure reports whether no recipient was accepted.
func (r *DispatchResult) TotalFailure() bool { return len(r.Accepted) == 0 }

// Gateway fronts a primary and an optional backup channel with retry,
// failover, chunking and rate limiting.
type Gateway struct {
	primary SMSProvider
	backup  SMSProvider
	limiter *rate.Limiter
	cfg     GatewayConfig
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a Gateway. backup may be nil, disabling failover.
func NewGateway(primary, backup SMSProvider, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	return &Gateway{
		primary: primary,
		backup:  backup,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		cfg:     cfg,
		logger:  logger.With("component", "provider_gateway"),
		sleep:   sleepContext,
	}
}

// Send delivers body to all recipients, chunk by chunk. It returns an error
// only when every chunk failed; partial failure is reported through
// DispatchResult.Rejected.
func (g *Gateway) Send(ctx context.Context, recipients []string, body, sender string) (*DispatchResult, error) {
	result := &DispatchResult{}
	var lastErr error

	for start := 0; start < len(recipients); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(recipients))
		chunk := recipients[start:end]

		chunkResult, err := g.sendChunk(ctx, SendRequest{Recipients: chunk, Body: body, Sender: sender})
		if err != nil {
			g.logger.WarnContext(ctx, "Chunk failed on all channels",
				"error", err, "chunk_start", start, "chunk_size", len(chunk))
			result.Rejected = append(result.Rejected, chunk...)
			lastErr = err
			continue
		}

		result.Accepted = append(result.Accepted, chunkResult.Accepted...)
		result.Rejected = append(result.Rejected, chunkResult.Rejected...)
		result.Provider = chunkResult.Provider
		if chunkResult.ProviderMessageID != "" {
			result.ProviderMessageID = chunkResult.ProviderMessageID
		}
	}

	if result.TotalFailure() && lastErr != nil {
		return result, lastErr
	}
	return result, nil
}

// sendChunk tries the primary channel up to MaxAttempts with exponential
// backoff, then falls over to the backup channel for one attempt. A permanent
// (non-retryable) primary error skips the remaining primary attempts but is
// NOT propagated immediately: the backup channel still gets its attempt, since
// it carries independent credentials and routing.
func (g *Gateway) sendChunk(ctx context.Context, req SendRequest) (*SendResult, error) {
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := g.primary.Send(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			g.logger.WarnContext(ctx, "Permanent provider error, not retrying",
				"provider", g.primary.Name(), "error", err)
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < g.cfg.MaxAttempts {
			backoff := g.cfg.BackoffBase << (attempt - 1)
			g.logger.InfoContext(ctx, "Retrying provider call",
				"provider", g.primary.Name(), "attempt", attempt, "backoff", backoff, "error", err)
			if err := g.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}

	if g.backup == nil {
		return nil, lastErr
	}

	g.logger.WarnContext(ctx, "Primary channel exhausted, failing over",
		"primary", g.primary.Name(), "backup", g.backup.Name(), "error", lastErr)
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := g.backup.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
