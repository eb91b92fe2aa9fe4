package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider submits messages to a JSON-over-HTTP SMS API authenticated
// with a bearer key. Both the primary and backup channels use this shape,
// differing only in endpoint and credentials.
type HTTPProvider struct {
	name       string
	apiURL     string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPProvider creates a provider. A nil httpClient gets a 20s timeout.
func NewHTTPProvider(name, apiURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPProvider{
		name:       name,
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger.With("provider", name),
	}
}

type sendRequestBody struct {
	Messages []messageBody `json:"messages"`
}

type messageBody struct {
	Sender     string   `json:"sender"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
}

type sendResponseBody struct {
	Status   int                     `json:"status"`
	Message  string                  `json:"message"`
	Messages []recipientStatusDetail `json:"messages"`
}

type recipientStatusDetail struct {
	ID        int64  `json:"id"`
	Recipient string `json:"recipient"`
	Status    int    `json:"status"`
}

func (p *HTTPProvider) Name() string { return p.name }

// Send posts one recipient batch. Per-recipient statuses in the response split
// the batch into accepted and rejected; transport errors and 5xx responses
// come back as retryable ProviderErrors, 4xx as permanent ones.
func (p *HTTPProvider) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	reqBytes, err := json.Marshal(sendRequestBody{
		Messages: []messageBody{{
			Sender:     req.Sender,
			Body:       req.Body,
			Recipients: normalizeForWire(req.Recipients),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("building provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.WarnContext(ctx, "Provider request failed", "error", err, "recipients", len(req.Recipients))
		return nil, &ProviderError{Provider: p.name, Message: err.Error(), Retryable: true}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{Provider: p.name, StatusCode: httpResp.StatusCode, Message: "reading response: " + err.Error(), Retryable: true}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		message := fmt.Sprintf("HTTP %d", httpResp.StatusCode)
		var errResp sendResponseBody
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			message = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode, errResp.Message)
		}
		return nil, &ProviderError{
			Provider:   p.name,
			StatusCode: httpResp.StatusCode,
			Message:    message,
			Retryable:  httpResp.StatusCode >= 500,
		}
	}

	var okResp sendResponseBody
	if err := json.Unmarshal(respBody, &okResp); err != nil {
		// Some gateways answer 200 with a non-JSON body; treat the whole
		// batch as accepted, without a provider message id.
		p.logger.WarnContext(ctx, "Provider success response not parseable", "error", err, "status_code", httpResp.StatusCode)
		return &SendResult{Accepted: req.Recipients, Provider: p.name}, nil
	}

	result := &SendResult{Provider: p.name}
	perRecipient := make(map[string]int, len(okResp.Messages))
	for _, detail := range okResp.Messages {
		perRecipient[strings.TrimPrefix(detail.Recipient, "+")] = detail.Status
		if result.ProviderMessageID == "" && detail.ID != 0 {
			result.ProviderMessageID = fmt.Sprintf("%d", detail.ID)
		}
	}

	for _, recipient := range req.Recipients {
		status, reported := perRecipient[strings.TrimPrefix(recipient, "+")]
		if !reported || status == 0 {
			result.Accepted = append(result.Accepted, recipient)
		} else {
			result.Rejected = append(result.Rejected, recipient)
		}
	}

	p.logger.InfoContext(ctx, "Provider batch submitted",
		"accepted", len(result.Accepted), "rejected", len(result.Rejected), "provider_message_id", result.ProviderMessageID)
	return result, nil
}

// normalizeForWire strips the leading "+" the API does not expect.
func normalizeForWire(recipients []string) []string {
	out := make([]string, len(recipients))
	for i, r := range recipients {
		out[i] = strings.TrimPrefix(r, "+")
	}
	return out
}
