// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generation

import (
	"github.com/brandpilot-ai/brandpilot/services/llm"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
)

// DefaultSystemPrompt is the assistant persona used when the caller does
// not override it. The retrieval context block is appended as a second
// system message and referenced by its section headers.
const DefaultSystemPrompt = `You are a brand and content coach. You help creators sharpen their
brand identity, find their voice, and plan content that converts.

Ground every answer in the user's own material when it is provided below
under "## Relevant Documents:", "## Relevant Prior Messages:", and
"## Global Patterns:". Prefer the user's documented brand decisions over
generic advice. When the context contains nothing relevant, say so and
answer from general knowledge.

Be direct and practical. Give concrete examples over abstractions.`

// estCharsPerToken is the rough input-size estimate used for history
// trimming. Four characters per token overestimates slightly for English,
// which errs on the safe side.
const estCharsPerToken = 4

// maxHistoryTurns bounds history regardless of the token budget.
const maxHistoryTurns = 20

// buildMessages assembles the provider conversation for one turn.
//
// # Description
//
// Order is fixed: system prompt, the context block as a second system
// message when non-empty, history oldest first, then the current user
// turn. History is capped at maxHistoryTurns messages and further trimmed
// by dropping the oldest pairs while the estimated input exceeds the
// token ceiling.
func buildMessages(systemPrompt, contextBlock string, history []datatypes.Message, userText string, inputTokenCeiling int) []llm.ChatMessage {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}

	fixedChars := len(systemPrompt) + len(contextBlock) + len(userText)
	historyChars := 0
	for _, m := range history {
		historyChars += len(m.Content)
	}
	if inputTokenCeiling > 0 {
		budgetChars := inputTokenCeiling * estCharsPerToken
		for len(history) > 0 && fixedChars+historyChars > budgetChars {
			dropped := 1
			if len(history) > 1 && history[0].Role == "user" && history[1].Role == "assistant" {
				dropped = 2
			}
			for i := 0; i < dropped; i++ {
				historyChars -= len(history[0].Content)
				history = history[1:]
			}
		}
	}

	messages := make([]llm.ChatMessage, 0, len(history)+3)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: systemPrompt})
	if contextBlock != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: contextBlock})
	}
	for _, m := range history {
		messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: userText})
	return messages
}
