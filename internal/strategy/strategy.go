// Package strategy implements Layer S: turn one original query plus Layer
// K's KnowledgeResponse into a set of candidate rewrites. Two concrete
// strategies are provided — beam (broad, analyst-directed fan-out) and
// strike (narrow, user-directed single shot) — behind one Strategy
// interface.
package strategy

import (
	"context"
	"fmt"

	"github.com/JKR8/querytorque-v8-sub005/internal/bus"
	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/llm"
	"github.com/JKR8/querytorque-v8-sub005/internal/sqlfeat"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// Strategy is Layer S's entry point. history carries prior verdicts for the
// same query_id so a retry pass can avoid repeating a rejected rewrite.
type Strategy interface {
	Generate(ctx context.Context, sql string, dialect types.Dialect, knowledge types.KnowledgeResponse, history []types.ValidationVerdict, policy config.StrategyPolicy) ([]types.Candidate, error)
}

// publish is a nil-safe helper: strategies are usable with b == nil (unit
// tests, offline runs) via nil-safe methods.
func publish(b *bus.Bus, msgType types.MessageType, from, queryID string, payload interface{}) {
	if b == nil {
		return
	}
	b.Publish(types.Message{Type: msgType, From: from, QueryID: queryID, Payload: payload})
}

// fmtTransformHint renders a TransformHint into a short line for prompt
// assembly; used by strike.go.
func fmtTransformHint(h types.TransformHint) string {
	if h.TransformID != "" {
		return fmt.Sprintf("transform=%s target=%q mode=%s: %s", h.TransformID, h.TargetSubquery, h.ConstraintMode, h.FreeText)
	}
	return h.FreeText
}

// sharedParser is the Parser every strategy normalizes candidates with.
var sharedParser sqlfeat.Parser = sqlfeat.NewScannerParser()
