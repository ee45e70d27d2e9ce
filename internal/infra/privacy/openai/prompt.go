package openai

import "fmt"

// systemPrompt pins the classifier to a single JSON object.
const systemPrompt = `You are a data protection reviewer for security scan reports. You must produce one valid JSON object only (no markdown, no commentary). Do not include code fences.

Decide whether the artifact contains personal data about real people: names together with contact details, email addresses, phone numbers, government identifiers, payment card numbers, home addresses, health data, or credentials tied to a person.
Tool names, rule identifiers, file paths, package names and hashes are not personal data.

Schema:
{
  "contains_pii": <true|false>,
  "categories": ["<string>"],
  "reason": "<one sentence>"
}`

func userPrompt(name, mediaType, content string, truncated bool) string {
	note := ""
	if truncated {
		note = " (truncated)"
	}
	return fmt.Sprintf("Artifact %q, media type %q%s. Content:\n%s", name, mediaType, note, content)
}

// verdict is the schema the system prompt asks for.
type verdict struct {
	ContainsPII bool     `json:"contains_pii"`
	Categories  []string `json:"categories"`
	Reason      string   `json:"reason"`
}
