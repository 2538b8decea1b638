package guard

import (
	"regexp"
	"strings"
)

var (
	scriptBlockRe   = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	scriptTagRe     = regexp.MustCompile(`(?i)</?script\b[^>]*>?`)
	javascriptURIRe = regexp.MustCompile(`(?i)javascript\s*:`)
	tagRe           = regexp.MustCompile(`<[a-zA-Z][^>]*>?`)
	eventHandlerRe  = regexp.MustCompile(`(?i)[\s/]+on[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	multiSpaceRe    = regexp.MustCompile(`[ \t]{2,}`)
)

// maxSanitizePasses bounds the fixpoint loop. Every pass only removes text,
// so real input settles in two or three.
const maxSanitizePasses = 16

// Sanitize removes script tags, javascript: URIs and inline event-handler
// attributes so the text is safe to render later as HTML. Handler attributes
// are only stripped inside tags; plain prose like "online = true" is kept.
// Passes repeat until the text stops changing, so removing one construct
// cannot assemble another ("javajavascript:script:").
func Sanitize(text string) string {
	out := text
	for i := 0; i < maxSanitizePasses; i++ {
		next := sanitizePass(out)
		if next == out {
			break
		}
		out = next
	}
	return strings.TrimSpace(out)
}

func sanitizePass(text string) string {
	out := scriptBlockRe.ReplaceAllString(text, "")
	out = scriptTagRe.ReplaceAllString(out, "")
	out = javascriptURIRe.ReplaceAllString(out, "")
	out = tagRe.ReplaceAllStringFunc(out, func(tag string) string {
		return eventHandlerRe.ReplaceAllString(tag, "")
	})
	return multiSpaceRe.ReplaceAllString(out, " ")
}
