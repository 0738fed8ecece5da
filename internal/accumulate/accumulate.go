// Package accumulate decides how long to wait for more messages before
// a burst is treated as one complete logical turn. SuggestWait is a pure
// function over the message shape, the channel's base window, and a hint
// persisted by the previous completed turn.
package accumulate

import (
	"strings"
	"time"
	"unicode"

	"github.com/basket/turnfabric/internal/policy"
	"github.com/basket/turnfabric/internal/turn"
)

// Limits clamps every suggested wait to a configured range.
type Limits struct {
	Min time.Duration
	Max time.Duration
}

// greetings that typically precede the real request; a burst opened with
// one of these almost always has more coming.
var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "hola": {}, "yo": {},
	"good morning": {}, "good afternoon": {}, "good evening": {},
	"ola": {}, "oi": {}, "bonjour": {},
}

// SuggestWait returns how long the orchestrator should wait for the next
// message before closing the turn. messagesSoFar counts messages already
// absorbed into the turn, including the one just received. hint may be
// nil when the previous turn left none.
func SuggestWait(msg turn.Message, pol policy.ChannelPolicy, messagesSoFar int, hint *turn.AccumulationHint, limits Limits) time.Duration {
	wait := pol.AggregationWindow()
	if wait <= 0 {
		wait = policy.DefaultPolicy().AggregationWindow()
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case isGreetingOnly(text):
		// The user is warming up; the substance follows.
		wait = wait * 2
	case endsWithFragmentMarker(text):
		// Trailing comma, colon, dash or a cut-off clause: the sentence
		// is visibly unfinished.
		wait = wait * 3 / 2
	case endsWithCompletion(text):
		wait = wait / 2
	}

	if tokenCount(text) <= 2 && !isGreetingOnly(text) {
		// Very short non-greeting fragments ("and", "also the") are
		// usually the start of a multi-message thought.
		wait = wait * 5 / 4
	}

	if hint != nil {
		if hint.ExpectReply {
			// The previous turn asked a question; a quick single reply
			// is expected, so do not linger.
			wait = wait / 2
		}
		if hint.WindowScale > 0 {
			wait = time.Duration(float64(wait) * hint.WindowScale)
		}
	}

	// Each absorbed message shrinks the window: the longer a burst runs
	// the less evidence we need that it has ended.
	for i := 1; i < messagesSoFar; i++ {
		wait = wait * 3 / 4
	}

	return clamp(wait, limits)
}

// CompletionReason classifies how a just-expired window closed. A last
// message ending in completion punctuation is an explicit done signal.
// A window the previous turn shortened because it expected a single
// reply closed by prediction. Everything else is a plain timeout.
func CompletionReason(last turn.Message, hint *turn.AccumulationHint) turn.CompletionReason {
	if endsWithCompletion(strings.TrimSpace(last.Text)) {
		return turn.CompletionExplicit
	}
	if hint != nil && hint.ExpectReply {
		return turn.CompletionPredicted
	}
	return turn.CompletionTimeout
}

func clamp(d time.Duration, limits Limits) time.Duration {
	if limits.Min > 0 && d < limits.Min {
		return limits.Min
	}
	if limits.Max > 0 && d > limits.Max {
		return limits.Max
	}
	return d
}

func isGreetingOnly(text string) bool {
	t := strings.ToLower(strings.TrimRight(text, "!.? "))
	_, ok := greetings[t]
	return ok
}

func endsWithCompletion(text string) bool {
	if text == "" {
		return false
	}
	last := rune(text[len(text)-1])
	return last == '.' || last == '!' || last == '?'
}

func endsWithFragmentMarker(text string) bool {
	if text == "" {
		return false
	}
	switch text[len(text)-1] {
	case ',', ':', ';', '-':
		return true
	}
	lower := strings.ToLower(text)
	for _, suffix := range []string{" and", " or", " but", " the", " a", " my", " to"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func tokenCount(text string) int {
	return len(strings.FieldsFunc(text, unicode.IsSpace))
}
