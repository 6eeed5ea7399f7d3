package resolver

import (
	"fmt"
	"strings"

	"github.com/rcourtman/resolvd/internal/retrieve"
	"github.com/rcourtman/resolvd/internal/store"
)

const systemPrompt = `You are an incident resolution assistant for IT operations.
You receive an incident description and context from previously resolved,
similar incidents. Propose a concrete resolution plan.

Respond with a single JSON object and nothing else, using this schema:
{
  "analysis": "root cause analysis of the incident",
  "recommended_actions": ["ordered, concrete steps"],
  "next_steps": "what to do if the recommended actions do not resolve it",
  "reasoning": "why these actions, referencing the context entries",
  "confidence": 0.0,
  "risk_level": "low|medium|high",
  "estimated_minutes": 0
}

confidence is your own 0..1 estimate that the actions resolve the incident.
Base your proposal on the provided context when it applies; say so in
reasoning when it does not. Placeholders like <Email_00001> stand for redacted
values - carry them through verbatim, never invent their contents.`

// buildPrompt assembles the user prompt from the sanitized incident and its
// sanitized retrieval context.
func buildPrompt(incident store.Entry, result retrieve.Result, contexts []contextEntry) string {
	var b strings.Builder

	b.WriteString("## Incident\n")
	fmt.Fprintf(&b, "Title: %s\n", incident.Title)
	fmt.Fprintf(&b, "Severity: %s, Priority: %d\n", incident.Severity, incident.Priority)
	fmt.Fprintf(&b, "Technical area: %s\n", incident.TechnicalArea)
	if incident.BusinessArea != "" {
		fmt.Fprintf(&b, "Business area: %s\n", incident.BusinessArea)
	}
	if len(incident.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(incident.Tags, ", "))
	}
	fmt.Fprintf(&b, "\nDescription:\n%s\n", incident.Description)

	b.WriteString("\n## Similar entries\n")
	if len(contexts) == 0 {
		b.WriteString("No similar entries were found. Reason from first principles and say so.\n")
	} else {
		fmt.Fprintf(&b, "Pattern summary: %s\n\n", result.PatternSummary)
		for i, c := range contexts {
			fmt.Fprintf(&b, "### Context %d (similarity %.2f)\n", i+1, c.item.Similarity)
			fmt.Fprintf(&b, "Title: %s\n", c.title)
			fmt.Fprintf(&b, "Description: %s\n", c.description)
			if c.solution != "" {
				fmt.Fprintf(&b, "Resolution that worked: %s\n", c.solution)
			}
			if c.item.Entry.Kind == store.KindKnowledge && c.item.Entry.UsageCount > 0 {
				fmt.Fprintf(&b, "Applied %d times, %d successes\n",
					c.item.Entry.UsageCount, c.item.Entry.SuccessCount)
			}
			b.WriteString("\n")
		}
	}
	if result.LowConfidence {
		b.WriteString("Note: context similarity is low; weigh it accordingly.\n")
	}

	b.WriteString("\nProduce the JSON proposal now.")
	return b.String()
}

// contextEntry carries a retrieval item with its sanitized text fields.
type contextEntry struct {
	item        retrieve.Item
	title       string
	description string
	solution    string
}

// repairPrompt asks the model to fix malformed output, once.
func repairPrompt(raw string) string {
	return fmt.Sprintf(`Your previous response could not be parsed as the required JSON object.

Previous response:
%s

Return ONLY the corrected JSON object matching the schema, with no prose, no
markdown fences, and no trailing text.`, raw)
}
