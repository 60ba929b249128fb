// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt assembles the generation prompt from retrieval output,
// conversation history, and optional personal data.
//
// Two variants exist. The RAG-only prompt restricts the model to retrieved
// passages and runs when retrieval is sufficient (or the control cohort
// forces it). The hybrid prompt additionally licenses general medical
// knowledge, cited as such, and runs on partial or sparse retrieval. The
// builder never calls the LLM; both variants are pure string assembly.
package prompt

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/assistant/units"
)

const (
	// maxHistoryExchanges bounds the conversation block.
	maxHistoryExchanges = 5

	// historyResponseLimit truncates past answers inside the prompt.
	historyResponseLimit = 400

	// chunkTextLimit truncates each retrieved passage.
	chunkTextLimit = 600
)

// dataIntentKeywords gate the personal-data block: it is only inserted
// when the query actually asks about the user's own numbers, keeping
// generic device questions free of personal context.
var dataIntentKeywords = []string{
	"my", "glucose", "sugar", "reading", "average", "pattern",
	"data", "level", "a1c", "time in range", "tir",
}

// Input carries everything one prompt build needs.
type Input struct {
	Query             string
	Chunks            []datatypes.Chunk
	History           []datatypes.ConversationExchange
	PrimaryDeviceName string

	// PersonalDataBlock is the pre-formatted personal statistics text,
	// empty when no data upload exists.
	PersonalDataBlock string

	// Units is the configured glucose unit policy; glucose values in
	// the response use this scale.
	Units units.UnitConfig
}

// Builder assembles prompts. Stateless; safe for concurrent use.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// BuildRAGOnly produces the retrieval-restricted prompt.
func (b *Builder) BuildRAGOnly(in Input) string {
	var sb strings.Builder
	b.writePreamble(&sb, in)
	b.writeHistory(&sb, in.History)
	b.writeChunks(&sb, in.Chunks)
	b.writePersonalData(&sb, in)
	b.writeSources(&sb, in.Chunks)

	fmt.Fprintf(&sb, "USER QUESTION: %s\n\n", in.Query)
	sb.WriteString(`RESPONSE FORMAT:
- Answer ONLY from the retrieved information above. If it does not cover the question, say so plainly.
- Write two to three natural paragraphs. No bullet lists, no headings.
- Cite at least three times using numbered markers like [1]` + glookoCitationHint(in) + `.
- Use the exact device names above. Never use generic pump terminology when the user's device is known.
- Close by advising the user to confirm any change with their healthcare team.
`)
	return sb.String()
}

// BuildHybrid produces the prompt that additionally licenses general
// medical knowledge on partial or sparse retrieval.
func (b *Builder) BuildHybrid(in Input) string {
	var sb strings.Builder
	b.writePreamble(&sb, in)
	b.writeHistory(&sb, in.History)
	b.writeChunks(&sb, in.Chunks)
	b.writePersonalData(&sb, in)
	b.writeSources(&sb, in.Chunks)

	fmt.Fprintf(&sb, "USER QUESTION: %s\n\n", in.Query)
	sb.WriteString(`RESPONSE FORMAT:
- Prefer the retrieved information above; cite it with numbered markers like [1]` + glookoCitationHint(in) + `.
- The retrieved information is incomplete for this question. You MAY draw on general diabetes education, but every such statement must be cited as [General medical knowledge].
- Write two to three natural paragraphs. No bullet lists, no headings. Cite at least three times.
- Close by advising the user to confirm any change with their healthcare team.

PROHIBITIONS (these override everything else):
- Never invent menu navigation, button names, or configuration steps for any device. If the manual excerpt does not show the steps, say the manual should be consulted.
- Never confuse an algorithm app with pump hardware. Instructions like "tap on the algorithm" are forbidden when the algorithm has no independent screen.
- Never state insulin dose numbers, carb ratios, or basal rates from general knowledge.
- Never present general knowledge as if it came from the user's device documentation.
`)
	return sb.String()
}

func (b *Builder) writePreamble(sb *strings.Builder, in Input) {
	sb.WriteString("You are a careful diabetes education assistant.\n")
	u := in.Units
	if u.Unit == "" {
		u.Unit = units.UnitMgdl
	}
	fmt.Fprintf(sb,
		"Express glucose values in %s (the user's configured unit); the standard target range is %s to %s.\n",
		u.Unit,
		u.Format(units.TargetLowMgdl),
		u.Format(units.TargetHighMgdl))
	if in.PrimaryDeviceName != "" {
		fmt.Fprintf(sb,
			"The user's primary device is the %s. Lead with its actual features and terminology; do not describe generic pumps or other systems unless asked.\n",
			in.PrimaryDeviceName)
	}
	sb.WriteString("\n")
}

func (b *Builder) writeHistory(sb *strings.Builder, history []datatypes.ConversationExchange) {
	if len(history) == 0 {
		return
	}
	if len(history) > maxHistoryExchanges {
		history = history[len(history)-maxHistoryExchanges:]
	}
	sb.WriteString("CONVERSATION SO FAR:\n")
	for _, ex := range history {
		fmt.Fprintf(sb, "User: %s\nAssistant: %s\n", ex.Query, truncate(ex.Response, historyResponseLimit))
	}
	sb.WriteString("\n")
}

func (b *Builder) writeChunks(sb *strings.Builder, chunks []datatypes.Chunk) {
	sb.WriteString("RETRIEVED INFORMATION:\n")
	if len(chunks) == 0 {
		sb.WriteString("(no relevant passages were retrieved)\n\n")
		return
	}
	for _, ch := range chunks {
		fmt.Fprintf(sb, "---\n%s\n\n", truncate(ch.Text, chunkTextLimit))
	}
}

func (b *Builder) writePersonalData(sb *strings.Builder, in Input) {
	if in.PersonalDataBlock == "" || !hasDataIntent(in.Query) {
		return
	}
	fmt.Fprintf(sb, "USER'S DIABETES DATA:\n%s\n\n", in.PersonalDataBlock)
}

// writeSources emits the numbered citation index, one line per distinct
// source with its best confidence.
func (b *Builder) writeSources(sb *strings.Builder, chunks []datatypes.Chunk) {
	if len(chunks) == 0 {
		return
	}
	type entry struct {
		name string
		conf float64
	}
	var order []entry
	index := make(map[string]int)
	for _, ch := range chunks {
		if i, ok := index[ch.Source]; ok {
			if ch.Confidence > order[i].conf {
				order[i].conf = ch.Confidence
			}
			continue
		}
		index[ch.Source] = len(order)
		order = append(order, entry{name: ch.Source, conf: ch.Confidence})
	}
	sb.WriteString("SOURCES AVAILABLE:\n")
	for i, e := range order {
		fmt.Fprintf(sb, "[%d] %s (confidence %.2f)\n", i+1, e.name, e.conf)
	}
	sb.WriteString("\n")
}

// HasDataIntent reports whether the query asks about the user's own data.
func HasDataIntent(query string) bool {
	return hasDataIntent(query)
}

func hasDataIntent(query string) bool {
	q := " " + strings.ToLower(query) + " "
	for _, kw := range dataIntentKeywords {
		if strings.Contains(q, " "+kw) || strings.Contains(q, kw+" ") {
			return true
		}
	}
	return false
}

func glookoCitationHint(in Input) string {
	if in.PersonalDataBlock != "" && hasDataIntent(in.Query) {
		return " or [Glooko] for the user's own data"
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
