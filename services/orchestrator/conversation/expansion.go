// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation provides query expansion for retrieval.
//
// # Description
//
// A user turn like "what's my tone?" embeds poorly against a corpus of
// brand documents. Expand rewrites the turn into a retrieval query by
// appending domain keywords chosen from an ordered rule table. The rules
// are static configuration; the first rule whose any-trigger test passes
// wins, and exactly one expansion is appended per turn.
//
// Expansion is pure and deterministic: the original text is never removed
// or reordered, so expand(t) always contains t as a substring.
package conversation

import "strings"

// ExpansionRule pairs trigger substrings with the keywords appended when
// any trigger occurs in the normalized user text.
type ExpansionRule struct {
	// Name identifies the rule in logs and tests.
	Name string

	// Triggers are matched as substrings of the lowercased,
	// whitespace-collapsed user text.
	Triggers []string

	// Expansion is appended to the original text with a single space.
	Expansion string
}

// defaultRules is the ordered rule table. Order matters: a turn mentioning
// both "tone" and "carousel" gets the tone expansion.
var defaultRules = []ExpansionRule{
	{
		Name:      "audience",
		Triggers:  []string{"who are my", "my niche", "potential clients", "target audience", "ideal client"},
		Expansion: "avatar sheet, ICP, ideal customer profile, demographics, psychographics",
	},
	{
		Name:      "tone",
		Triggers:  []string{"tone", "voice", "style", "how should i write"},
		Expansion: "brand tone, voice, writing style, brand identity, brand vision",
	},
	{
		Name:      "scripts",
		Triggers:  []string{"script", "hook", "cta", "storytelling", "video", "reel"},
		Expansion: "script structure, hook formulas, CTA, storytelling, retention",
	},
	{
		Name:      "carousel",
		Triggers:  []string{"carousel", "slides"},
		Expansion: "carousel rules, slide structure, headline",
	},
	{
		Name:      "content-strategy",
		Triggers:  []string{"content strategy", "weekly", "ideas", "content plan", "what to post"},
		Expansion: "content pillars, weekly planning, content calendar",
	},
	{
		Name:      "competitor",
		Triggers:  []string{"competitor", "rewrite", "in my voice"},
		Expansion: "competitor adaptation, brand voice rewrite",
	},
	{
		Name:      "personal",
		Triggers:  []string{"tell me about yourself", "your story", "about you", "who are you"},
		Expansion: "personal background, journey, transformation",
	},
	{
		Name:      "brand-general",
		Triggers:  []string{"brand", "identity", "philosophy", "positioning", "values"},
		Expansion: "brand identity, philosophy, mission, values",
	},
}

// fallbackExpansion is appended when no rule matches.
const fallbackExpansion = "brand documents, content strategy"

// Expand rewrites userText into a retrieval query.
//
// # Description
//
// Matches the lowercased, whitespace-collapsed text against the rule table
// and appends the first matching rule's expansion (or the fallback) to the
// original, unmodified text with a single space separator.
//
// # Inputs
//
//   - userText: The raw user turn. Not mutated.
//
// # Outputs
//
//   - string: userText followed by one appended expansion.
//
// # Examples
//
//	Expand("what's my tone?")
//	// "what's my tone? brand tone, voice, writing style, brand identity, brand vision"
func Expand(userText string) string {
	rule, ok := MatchRule(userText)
	if !ok {
		return userText + " " + fallbackExpansion
	}
	return userText + " " + rule.Expansion
}

// MatchRule returns the first rule triggered by userText, or ok=false when
// only the fallback applies.
func MatchRule(userText string) (ExpansionRule, bool) {
	normalized := normalizeForMatch(userText)
	for _, rule := range defaultRules {
		for _, trigger := range rule.Triggers {
			if strings.Contains(normalized, trigger) {
				return rule, true
			}
		}
	}
	return ExpansionRule{}, false
}

// normalizeForMatch lowercases and collapses whitespace runs to single
// spaces so trigger phrases match across line breaks and double spaces.
func normalizeForMatch(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
