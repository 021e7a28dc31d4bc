package gate

import "strings"

type Verdict int

const (
	Ambiguous Verdict = iota
	Affirmative
	Negative
)

func (v Verdict) String() string {
	switch v {
	case Affirmative:
		return "affirmative"
	case Negative:
		return "negative"
	default:
		return "ambiguous"
	}
}

var (
	affirmatives = map[string]struct{}{
		"yes": {}, "y": {}, "yeah": {}, "yep": {}, "sure": {}, "ok": {}, "okay": {},
		"confirm": {}, "approve": {}, "proceed": {}, "go ahead": {}, "do it": {},
	}
	negatives = map[string]struct{}{
		"no": {}, "n": {}, "nope": {}, "cancel": {}, "deny": {}, "stop": {},
		"abort": {}, "don't": {}, "do not": {},
	}
)

// Classify maps a reply to a verdict by exact match against fixed word sets,
// after trimming, lower-casing and stripping trailing punctuation. Anything
// else, including sentences that merely contain "yes", is ambiguous.
func Classify(utterance string) Verdict {
	s := strings.ToLower(strings.TrimSpace(utterance))
	s = strings.TrimRight(s, ".!")
	s = strings.Join(strings.Fields(s), " ")
	if _, ok := affirmatives[s]; ok {
		return Affirmative
	}
	if _, ok := negatives[s]; ok {
		return Negative
	}
	return Ambiguous
}
