// Package guard screens raw user input before it reaches the model.
//
// Screening is a fixed regex denylist, not a semantic classifier. It cannot
// catch paraphrased attacks and occasionally rejects innocuous text (a message
// containing "system:" on its own line, for example). Rejection is a normal
// result, not an error.
package guard

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the input length cap, counted in characters.
const DefaultMaxChars = 2000

// Rejection reasons.
const (
	ReasonTooLong   = "too_long"
	ReasonEmpty     = "empty"
	ReasonJailbreak = "jailbreak"
	ReasonOffTopic  = "off_topic"
)

// Canned replies returned to the caller on rejection.
const (
	RefusalMessage = "I can only help with questions about hackathons, teams, submissions and registrations on this platform. Could you rephrase your question around those?"
	TooLongMessage = "That message is too long for me to process. Please shorten it and try again."
	EmptyMessage   = "It looks like your message was empty. What would you like to know?"
)

// Config controls the guard's thresholds and lets deployments extend the
// built-in denylists.
type Config struct {
	MaxChars       int      `yaml:"max_chars" json:"max_chars"`
	ExtraJailbreak []string `yaml:"extra_jailbreak_patterns" json:"extra_jailbreak_patterns"`
	ExtraOffTopic  []string `yaml:"extra_off_topic_patterns" json:"extra_off_topic_patterns"`
}

// Result is the outcome of screening one message.
type Result struct {
	Accepted  bool
	Reason    string // set when rejected
	Sanitized string // set when accepted
	Refusal   string // canned reply when rejected
}

// Guard is immutable after construction and safe for concurrent use.
type Guard struct {
	maxChars  int
	jailbreak []*regexp.Regexp
	offTopic  []*regexp.Regexp
}

// New compiles the built-in and configured patterns. An invalid extra pattern
// is a configuration error.
func New(cfg Config) (*Guard, error) {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	jailbreak, err := compileAll(append(append([]string{}, defaultJailbreakPatterns...), cfg.ExtraJailbreak...))
	if err != nil {
		return nil, fmt.Errorf("jailbreak patterns: %w", err)
	}
	offTopic, err := compileAll(append(append([]string{}, defaultOffTopicPatterns...), cfg.ExtraOffTopic...))
	if err != nil {
		return nil, fmt.Errorf("off-topic patterns: %w", err)
	}

	return &Guard{maxChars: maxChars, jailbreak: jailbreak, offTopic: offTopic}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Screen runs the full check sequence: length, emptiness, jailbreak
// patterns, off-topic patterns, then sanitization.
func (g *Guard) Screen(text string) Result {
	return g.screen(text, true)
}

// ScreenFollowUp is used for turns that feed prior execution results back for
// narrative synthesis. Only the off-topic check is skipped; jailbreak patterns,
// length, emptiness and sanitization still apply.
func (g *Guard) ScreenFollowUp(text string) Result {
	return g.screen(text, false)
}

func (g *Guard) screen(text string, topical bool) Result {
	if utf8.RuneCountInString(text) > g.maxChars {
		return reject(ReasonTooLong, TooLongMessage)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return reject(ReasonEmpty, EmptyMessage)
	}

	if matchAny(g.jailbreak, trimmed) {
		return reject(ReasonJailbreak, RefusalMessage)
	}
	if topical && matchAny(g.offTopic, trimmed) {
		return reject(ReasonOffTopic, RefusalMessage)
	}

	clean := Sanitize(trimmed)
	if clean == "" {
		// Nothing left once markup is removed.
		return reject(ReasonEmpty, EmptyMessage)
	}
	return Result{Accepted: true, Sanitized: clean}
}

// ScreenResults checks every string inside client-supplied execution results
// against the jailbreak patterns. The results are forwarded to the model
// verbatim, so they get the same treatment as the message itself.
func (g *Guard) ScreenResults(results []json.RawMessage) Result {
	for _, raw := range results {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			if matchAny(g.jailbreak, string(raw)) {
				return reject(ReasonJailbreak, RefusalMessage)
			}
			continue
		}
		if g.jailbreakIn(v) {
			return reject(ReasonJailbreak, RefusalMessage)
		}
	}
	return Result{Accepted: true}
}

// ScreenContext applies the jailbreak patterns to the page context attached
// to a turn, which is also forwarded to the model.
func (g *Guard) ScreenContext(pageCtx map[string]any) Result {
	if g.jailbreakIn(pageCtx) {
		return reject(ReasonJailbreak, RefusalMessage)
	}
	return Result{Accepted: true}
}

func (g *Guard) jailbreakIn(v any) bool {
	switch t := v.(type) {
	case string:
		return matchAny(g.jailbreak, t)
	case []any:
		for _, e := range t {
			if g.jailbreakIn(e) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if matchAny(g.jailbreak, k) || g.jailbreakIn(e) {
				return true
			}
		}
	}
	return false
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func reject(reason, refusal string) Result {
	return Result{Reason: reason, Refusal: refusal}
}
