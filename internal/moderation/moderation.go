// Package moderation classifies raw model output as either a normal reply
// or a safeguarding trigger.
//
// The upstream system instruction tells the model to prefix a response with
// TriggerSentinel when it detects toxic or malicious student input. That
// prefix is the whole contract: it must be the very first characters of the
// response. A sentinel appearing later in the text is treated as the model
// talking about the sentinel, not emitting one, and never locks the session.
package moderation

import "strings"

// TriggerSentinel is the exact prefix the model emits to request a safety lock.
const TriggerSentinel = "###SAFEGUARD_TRIGGER###"

const (
	// DefaultReason is used when the model triggers but gives no explanation.
	DefaultReason = "Unspecified safety violation"

	// FillerReply stands in for an empty normal response.
	FillerReply = "I'm listening! Tell me more about your build."
)

// Kind discriminates parse results.
type Kind int

const (
	KindNormal Kind = iota
	KindTrigger
)

// Result is the classification of one model response.
type Result struct {
	Kind Kind

	// Text is the reply to show the student. Set only for KindNormal.
	Text string

	// Reason is the model's explanation for the breach. Set only for
	// KindTrigger and always non-empty.
	Reason string
}

// Parse classifies a raw model response. It is a pure function: ambiguous or
// malformed text is always classified as normal, never upgraded to a trigger.
func Parse(raw string) Result {
	if strings.HasPrefix(raw, TriggerSentinel) {
		reason := strings.TrimSpace(strings.TrimPrefix(raw, TriggerSentinel))
		if reason == "" {
			reason = DefaultReason
		}
		return Result{Kind: KindTrigger, Reason: reason}
	}
	if raw == "" {
		return Result{Kind: KindNormal, Text: FillerReply}
	}
	return Result{Kind: KindNormal, Text: raw}
}
