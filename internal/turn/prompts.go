package turn

import (
	"fmt"
	"time"

	"konchat/backend/internal/credits"
)

const basePrompt = `You are a helpful assistant. Today's date is %s.
Answer in the user's language. Use Markdown where it helps readability. Do not invent facts; say so when you are unsure.`

var capabilityPrompts = map[credits.Capability]string{
	credits.CapabilityChat: "",
	credits.CapabilityWebSearch: `You can search the web with the web_search tool.
Search before answering questions about current events or facts you are not certain of. Cite the sources you rely on with Markdown links.`,
	credits.CapabilityAcademicSearch: `You can search scholarly sources with the academic_search tool.
Prefer peer-reviewed papers and preprints. Cite each claim with the paper title and a link.`,
	credits.CapabilityWebReader: `You can fetch and read web pages with the web_reader tool.
Read every URL the user provides before answering, and quote the page when precision matters.`,
	credits.CapabilityXSearch: `You can search posts on X (formerly Twitter) with the x_search tool.
Put @username in the query to find posts by an account. Link the posts you quote.`,
	credits.CapabilityImage: `You can create images with the generate_image tool.
Write a detailed prompt for it. The image is shown to the user automatically, so do not repeat its URL.`,
}

const groundingPrompt = `Web results are attached to this conversation. Ground your answer in them and cite them with Markdown links.`

// SystemPrompt returns the turn-level system prompt for capability.
func SystemPrompt(capability credits.Capability, grounding bool, now time.Time) string {
	prompt := fmt.Sprintf(basePrompt, now.UTC().Format("Monday, January 2, 2006"))
	if extra := capabilityPrompts[capability]; extra != "" {
		prompt += "\n\n" + extra
	}
	if grounding {
		prompt += "\n\n" + groundingPrompt
	}
	return prompt
}
