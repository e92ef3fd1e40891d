package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/aide/internal/llm"
)

// Meter is an [llm.Client] decorator that accounts every successful
// call in a [Ledger]. Failed calls consume no tokens and are not
// recorded. Ledger errors are logged and never fail the call.
type Meter struct {
	inner  llm.Client
	ledger *Ledger
	logger *slog.Logger
}

// NewMeter wraps c.
func NewMeter(c llm.Client, ledger *Ledger, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{inner: c, ledger: ledger, logger: logger.With("component", "usage")}
}

// Chat implements llm.Client.
func (m *Meter) Chat(ctx context.Context, req llm.Request) (*llm.ChatResponse, error) {
	resp, err := m.inner.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	err = m.ledger.Add(context.WithoutCancel(ctx), Record{
		Owner:        req.Owner,
		Model:        model,
		Purpose:      req.Purpose,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		m.logger.Warn("failed to record usage", "owner", req.Owner, "model", model, "error", err)
	}
	return resp, nil
}
