package dialogue

import (
	"regexp"
	"strings"
)

// The model occasionally leaks tool plumbing into its text. Everything a
// caller should never hear gets stripped before synthesis.
var (
	toolNameRE   = regexp.MustCompile(`(?i)(update_qualification|set_call_outcome)\s*(\([^)]*\))?`)
	jsonishRE    = regexp.MustCompile(`\{[^{}]*\}`)
	stageMarkRE  = regexp.MustCompile(`\*[^*]*\*`)
	backtickRE   = regexp.MustCompile("`+[^`]*`+")
	functionsRE  = regexp.MustCompile(`(?i)\bfunctions?\.\w+\b`)
	whitespaceRE = regexp.MustCompile(`\s+`)
)

// sanitizeReply strips tool names, JSON fragments and markup like
// *transitioning* from a model reply and collapses whitespace.
func sanitizeReply(text string) string {
	text = toolNameRE.ReplaceAllString(text, "")
	text = functionsRE.ReplaceAllString(text, "")
	text = jsonishRE.ReplaceAllString(text, "")
	text = stageMarkRE.ReplaceAllString(text, "")
	text = backtickRE.ReplaceAllString(text, "")
	text = whitespaceRE.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
