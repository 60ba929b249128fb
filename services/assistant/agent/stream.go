// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/llm"
)

// StreamEvent is one item on the streaming channel: a token, or the
// terminal result with the audited final answer.
//
// Tokens arrive in model order. The Final event is always last and is
// always present, even on failure. Because auditing happens on the full
// accumulated text, the Final answer may differ from the concatenated
// tokens; callers that rendered tokens live must replace the display
// with Final.Answer.
type StreamEvent struct {
	Token string
	Final *datatypes.UnifiedResponse
}

// ProcessStream answers one query with incremental token delivery.
//
// The pre-generation stages are identical to Process. Tokens stream to
// the caller as they arrive while accumulating in locked memory; the
// safety audit runs on the complete text before the Final event.
func (a *UnifiedAgent) ProcessStream(ctx context.Context, query, sessionID string, history []datatypes.Message) <-chan StreamEvent {
	out := make(chan StreamEvent, 64)

	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		ctx, span := a.tracer.Start(ctx, "agent.ProcessStream",
			trace.WithAttributes(attribute.Int("query.length", len(query))))
		defer span.End()

		st, short := a.prepare(ctx, span, query, sessionID, history)
		if short != nil {
			if short.Answer != "" {
				out <- StreamEvent{Token: short.Answer}
			}
			out <- StreamEvent{Final: short}
			return
		}

		acc := newAccumulator()
		defer acc.Destroy()

		genStart := time.Now()
		tokens, errs := a.opts.LLM.GenerateStream(ctx, st.promptText, llm.GenerationParams{})

		var streamErr error
	relay:
		for {
			select {
			case <-ctx.Done():
				streamErr = ctx.Err()
				break relay
			case err, ok := <-errs:
				if !ok {
					// Error channel closed with no error; keep draining
					// any buffered tokens.
					errs = nil
					continue
				}
				if err != nil {
					streamErr = err
				}
				break relay
			case token, ok := <-tokens:
				if !ok {
					// Stream ended; collect a terminal error if one is
					// pending so it is not lost to select ordering.
					if errs != nil {
						if err, ok := <-errs; ok && err != nil {
							streamErr = err
						}
					}
					break relay
				}
				if err := acc.Write(token); err != nil {
					streamErr = err
					break relay
				}
				select {
				case out <- StreamEvent{Token: token}:
				case <-ctx.Done():
					streamErr = ctx.Err()
					break relay
				}
			}
		}
		a.opts.Metrics.ObserveStage("generate", genStart)

		if streamErr != nil {
			span.RecordError(streamErr)
			span.SetStatus(codes.Error, "stream failed")
			resp := a.generationFailure(st, streamErr)
			out <- StreamEvent{Final: &resp}
			return
		}

		raw, digest, err := acc.Finalize()
		if err != nil {
			span.RecordError(err)
			resp := a.generationFailure(st, err)
			out <- StreamEvent{Final: &resp}
			return
		}
		slog.Debug("Stream accumulated", "session", sessionID, "bytes", len(raw), "sha256", digest)

		resp := a.finish(ctx, span, st, raw)
		out <- StreamEvent{Final: &resp}
	}()

	return out
}
