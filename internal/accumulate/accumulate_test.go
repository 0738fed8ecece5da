package accumulate

import (
	"testing"
	"time"

	"github.com/basket/turnfabric/internal/policy"
	"github.com/basket/turnfabric/internal/turn"
)

var testLimits = Limits{Min: 200 * time.Millisecond, Max: 8 * time.Second}

func testPolicy(windowMs int) policy.ChannelPolicy {
	return policy.ChannelPolicy{AggregationWindowMs: windowMs}
}

func msg(text string) turn.Message {
	return turn.Message{ID: "m1", Text: text}
}

func TestSuggestWait_BaseWindow(t *testing.T) {
	got := SuggestWait(msg("I want to change my flight"), testPolicy(800), 1, nil, testLimits)
	if got != 800*time.Millisecond {
		t.Errorf("base wait = %v, want 800ms", got)
	}
}

func TestSuggestWait_GreetingDoubles(t *testing.T) {
	got := SuggestWait(msg("Hello!"), testPolicy(800), 1, nil, testLimits)
	if got != 1600*time.Millisecond {
		t.Errorf("greeting wait = %v, want 1.6s", got)
	}
}

func TestSuggestWait_CompletionPunctuationShortens(t *testing.T) {
	base := SuggestWait(msg("refund my last order please"), testPolicy(800), 1, nil, testLimits)
	done := SuggestWait(msg("refund my last order please."), testPolicy(800), 1, nil, testLimits)
	if done >= base {
		t.Errorf("terminal punctuation should shorten wait: %v >= %v", done, base)
	}
}

func TestSuggestWait_FragmentExtends(t *testing.T) {
	cases := []string{
		"I need to change my booking,",
		"here is the thing:",
		"I want to cancel and",
	}
	base := SuggestWait(msg("I need to change my booking"), testPolicy(800), 1, nil, testLimits)
	for _, text := range cases {
		got := SuggestWait(msg(text), testPolicy(800), 1, nil, testLimits)
		if got <= base {
			t.Errorf("fragment %q wait = %v, want > %v", text, got, base)
		}
	}
}

func TestSuggestWait_DiminishingWindow(t *testing.T) {
	first := SuggestWait(msg("and also the hotel"), testPolicy(2000), 1, nil, testLimits)
	third := SuggestWait(msg("and also the hotel"), testPolicy(2000), 3, nil, testLimits)
	if third >= first {
		t.Errorf("window should shrink per absorbed message: %v >= %v", third, first)
	}
}

func TestSuggestWait_ExpectReplyHintShortens(t *testing.T) {
	hint := &turn.AccumulationHint{ExpectReply: true}
	base := SuggestWait(msg("yes"), testPolicy(2000), 1, nil, testLimits)
	hinted := SuggestWait(msg("yes"), testPolicy(2000), 1, hint, testLimits)
	if hinted >= base {
		t.Errorf("expect-reply hint should shorten wait: %v >= %v", hinted, base)
	}
}

func TestSuggestWait_WindowScaleHint(t *testing.T) {
	hint := &turn.AccumulationHint{WindowScale: 2.0}
	got := SuggestWait(msg("I want to change my flight"), testPolicy(800), 1, hint, testLimits)
	if got != 1600*time.Millisecond {
		t.Errorf("scaled wait = %v, want 1.6s", got)
	}
}

func TestSuggestWait_Clamped(t *testing.T) {
	if got := SuggestWait(msg("ok."), testPolicy(250), 5, &turn.AccumulationHint{ExpectReply: true}, testLimits); got != testLimits.Min {
		t.Errorf("wait = %v, want clamped to min %v", got, testLimits.Min)
	}
	if got := SuggestWait(msg("Hello"), testPolicy(7000), 1, nil, testLimits); got != testLimits.Max {
		t.Errorf("wait = %v, want clamped to max %v", got, testLimits.Max)
	}
}

// Two messages 150ms apart on an 800ms window stay inside one turn: the
// first suggested wait always exceeds the gap.
func TestSuggestWait_BurstStaysOneTurn(t *testing.T) {
	gap := 150 * time.Millisecond
	wait := SuggestWait(msg("Hello"), testPolicy(800), 1, nil, testLimits)
	if wait <= gap {
		t.Fatalf("first wait %v must exceed %v gap", wait, gap)
	}
	wait = SuggestWait(msg("How are you?"), testPolicy(800), 2, nil, testLimits)
	if wait < testLimits.Min {
		t.Fatalf("second wait %v below min", wait)
	}
}

func TestCompletionReason_ExplicitPunctuation(t *testing.T) {
	for _, text := range []string{"cancel my order.", "can you help?", "do it now!"} {
		if got := CompletionReason(msg(text), nil); got != turn.CompletionExplicit {
			t.Errorf("CompletionReason(%q) = %s, want %s", text, got, turn.CompletionExplicit)
		}
	}
}

func TestCompletionReason_PredictedReply(t *testing.T) {
	hint := &turn.AccumulationHint{ExpectReply: true}
	if got := CompletionReason(msg("the blue one"), hint); got != turn.CompletionPredicted {
		t.Errorf("predicted reply = %s, want %s", got, turn.CompletionPredicted)
	}
	// Punctuation outranks the prediction: the user said they are done.
	if got := CompletionReason(msg("the blue one."), hint); got != turn.CompletionExplicit {
		t.Errorf("punctuated reply = %s, want %s", got, turn.CompletionExplicit)
	}
}

func TestCompletionReason_Timeout(t *testing.T) {
	if got := CompletionReason(msg("and also the other thing"), nil); got != turn.CompletionTimeout {
		t.Errorf("trailing fragment = %s, want %s", got, turn.CompletionTimeout)
	}
	if got := CompletionReason(msg(""), &turn.AccumulationHint{WindowScale: 0.5}); got != turn.CompletionTimeout {
		t.Errorf("empty text = %s, want %s", got, turn.CompletionTimeout)
	}
}
