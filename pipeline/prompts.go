// ABOUTME: Prompt builders for each phase: system framing plus the user-visible task text.
// ABOUTME: Structured phases instruct the model to answer with a single JSON object.

package pipeline

import (
	"fmt"
	"strings"

	"github.com/pandora-research/pandora/research"
)

// stricterSuffix is appended to the user prompt on the single parse retry.
const stricterSuffix = "\n\nYour previous reply could not be parsed. Reply with ONLY the JSON object described above. No prose, no code fences."

func analyzePrompt(query string, recentTopics []string) (system, user string) {
	system = "You classify user queries for a research assistant. Reply with a single JSON object:\n" +
		`{"intent": "informational|commerce|mixed|conversational|code|clarify", "topic": "short topic", "keywords": ["..."]}`
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", query)
	if len(recentTopics) > 0 {
		fmt.Fprintf(&b, "Recent conversation topics: %s\n", strings.Join(recentTopics, "; "))
	}
	return system, b.String()
}

func reflectPrompt(query string, analysis Analysis) (system, user string) {
	system = "You decide whether a query is answerable as asked or needs clarification first. Reply with a single JSON object:\n" +
		`{"decision": "PROCEED"}` + " or " + `{"decision": "CLARIFY", "question": "what to ask the user"}` + "\n" +
		"Only choose CLARIFY when the query is genuinely ambiguous; favor PROCEED."
	user = fmt.Sprintf("Query: %s\nClassified intent: %s, topic: %s", query, analysis.Intent, analysis.Topic)
	return system, user
}

func contextDigestPrompt(query string, recalls []string) (system, user string) {
	system = "You compress prior-turn notes into a short context digest for answering a new query. " +
		"Keep only facts that bear on the query. Reply with plain text, at most 120 words."
	var b strings.Builder
	fmt.Fprintf(&b, "New query: %s\n\nPrior notes:\n", query)
	for _, r := range recalls {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return system, b.String()
}

func planPrompt(query string, analysis Analysis, contextDigest string, toolNames []string) (system, user string) {
	system = "You plan how a research assistant answers a query. Reply with a single JSON object:\n" +
		`{"goal": "...", "approach": "...", "likely_tools": ["..."], "route": "executor|synthesis|clarify",` +
		` "queries": ["web search queries when research is needed"],` +
		` "tool_calls": [{"tool": "name", "args": {}}]}` + "\n" +
		"Route synthesis when the answer needs no tools; route executor when research or tool use is required."
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\nIntent: %s, topic: %s\n", query, analysis.Intent, analysis.Topic)
	if contextDigest != "" {
		fmt.Fprintf(&b, "Context digest: %s\n", contextDigest)
	}
	if len(toolNames) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(toolNames, ", "))
	}
	return system, b.String()
}

func synthesizePrompt(query string, contextSections string, report *research.Report, revision string) (system, user string) {
	system = "You write the final answer for the user. Ground every claim in the provided context and evidence. " +
		"Cite evidence by its source URL. Claims whose verification_status is phase1_only must be attributed " +
		"to their source (\"according to ...\"). Never invent citations."

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", query)
	if contextSections != "" {
		fmt.Fprintf(&b, "\nWorking notes:\n%s\n", contextSections)
	}
	if report != nil && len(report.Evidence) > 0 {
		b.WriteString("\nEvidence ledger:\n")
		for _, ev := range report.Evidence {
			fmt.Fprintf(&b, "- [%s, %s, confidence %.2f] %s (%s)\n",
				ev.SourceType, ev.Verification, ev.Confidence, ev.Claim, ev.URL)
		}
	}
	if revision != "" {
		fmt.Fprintf(&b, "\nA reviewer rejected the previous draft: %s\nWrite an improved answer.\n", revision)
	}
	return system, b.String()
}

func validatePrompt(query, response string, report *research.Report) (system, user string) {
	system = "You review a drafted answer before it reaches the user. Reply with a single JSON object:\n" +
		`{"decision": "APPROVE"}` + ", " + `{"decision": "REVISE", "reason": "..."}` + ", or " +
		`{"decision": "RETRY", "reason": "..."}` + "\n" +
		"REVISE for fixable wording or attribution problems; RETRY only when the answer is unsalvageable."
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nDraft answer:\n%s\n", query, response)
	if report != nil && len(report.Evidence) > 0 {
		fmt.Fprintf(&b, "\nThe draft must be consistent with %d evidence entries.\n", len(report.Evidence))
	}
	return system, b.String()
}

// clarifyTemplate is the fixed fast-path response wrapper used when
// reflection short-circuits the pipeline.
func clarifyTemplate(question string) string {
	return fmt.Sprintf("Before I dig in, one question: %s", question)
}
