// Package usage estimates the cost of a finished task from its message
// ledger. The calculator is a collaborator of the state machine; terminal
// transitions attach its summary to the completion callback.
package usage

import (
	"context"
	"time"
)

type Summary struct {
	InputTokens      int           `json:"input_tokens"`
	OutputTokens     int           `json:"output_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	Messages         int           `json:"messages"`
	Duration         time.Duration `json:"duration"`
}

type Calculator interface {
	Summarize(ctx context.Context, topicID, taskID string) (Summary, error)
}

// MessageCounter is the slice of the message ledger the calculator needs.
type MessageCounter interface {
	CountContent(ctx context.Context, topicID, taskID string) (messages int, contentBytes int, err error)
}

// RateCalculator derives a rough token count from stored content size
// (~4 bytes per token) and prices it at a flat per-1k-token rate.
type RateCalculator struct {
	Counter      MessageCounter
	CostPer1KUSD float64
}

func NewRateCalculator(counter MessageCounter, costPer1K float64) *RateCalculator {
	if costPer1K <= 0 {
		costPer1K = 0.015
	}
	return &RateCalculator{Counter: counter, CostPer1KUSD: costPer1K}
}

func (c *RateCalculator) Summarize(ctx context.Context, topicID, taskID string) (Summary, error) {
	count, contentBytes, err := c.Counter.CountContent(ctx, topicID, taskID)
	if err != nil {
		return Summary{}, err
	}
	tokens := contentBytes / 4
	return Summary{
		OutputTokens:     tokens,
		TotalTokens:      tokens,
		EstimatedCostUSD: float64(tokens) / 1000 * c.CostPer1KUSD,
		Messages:         count,
	}, nil
}

// Zero is a Calculator that always reports an empty summary. Used where
// accounting is not configured.
type Zero struct{}

func (Zero) Summarize(context.Context, string, string) (Summary, error) {
	return Summary{}, nil
}
