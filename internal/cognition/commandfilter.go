package cognition

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Command is one spoken directive the robot obeys without a model
// round-trip.
type Command struct {
	// Phrase is the canonical wording, lowercase.
	Phrase string

	// Actions is the robot_action payload published on a match.
	Actions []string
}

// DefaultCommands is the stock directive set.
func DefaultCommands() []Command {
	return []Command{
		{Phrase: "stop moving", Actions: []string{"navigation:stop"}},
		{Phrase: "be quiet", Actions: []string{"quiet"}},
		{Phrase: "come here", Actions: []string{"navigation:come"}},
		{Phrase: "wave hello", Actions: []string{"gesture:wave"}},
		{Phrase: "sit down", Actions: []string{"gesture:sit"}},
	}
}

// Filter matches short spoken directives against the command set using
// phonetic codes and Jaro-Winkler similarity, so "stop mooving" still stops
// the robot. Stateless and safe for concurrent use.
type Filter struct {
	commands []Command

	// fuzzyThreshold applies when no phonetic code overlaps; it is kept
	// high to avoid hijacking ordinary speech.
	fuzzyThreshold float64

	// phoneticThreshold applies when at least one Double Metaphone code
	// overlaps between the input and the command phrase.
	phoneticThreshold float64
}

// NewFilter creates a Filter; a nil command set selects [DefaultCommands].
func NewFilter(commands []Command) *Filter {
	if commands == nil {
		commands = DefaultCommands()
	}
	return &Filter{
		commands:          commands,
		fuzzyThreshold:    0.92,
		phoneticThreshold: 0.80,
	}
}

// Match reports whether text is one of the configured directives, returning
// the matched command and its similarity score.
func (f *Filter) Match(text string) (Command, float64, bool) {
	input := normalize(text)
	if input == "" {
		return Command{}, 0, false
	}
	inputTokens := strings.Fields(input)
	inputCodes := phoneticCodes(inputTokens)

	var (
		best      Command
		bestScore float64
		found     bool
	)
	for _, cmd := range f.commands {
		phraseTokens := strings.Fields(cmd.Phrase)
		score := similarity(input, cmd.Phrase, inputTokens, phraseTokens)

		threshold := f.fuzzyThreshold
		if codesOverlap(inputCodes, phoneticCodes(phraseTokens)) {
			threshold = f.phoneticThreshold
		}
		if score >= threshold && score > bestScore {
			best = cmd
			bestScore = score
			found = true
		}
	}
	return best, bestScore, found
}

// normalize lowercases and strips everything but letters, digits and spaces.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// similarity is the best Jaro-Winkler score between the full strings and
// their space-stripped forms. Token-pairwise scoring is deliberately not
// used: short common words ("is", "it") would inflate scores for ordinary
// speech.
func similarity(input, phrase string, inputTokens, phraseTokens []string) float64 {
	score := matchr.JaroWinkler(input, phrase, false)
	if len(inputTokens) > 1 || len(phraseTokens) > 1 {
		concatIn := strings.Join(inputTokens, "")
		concatPh := strings.Join(phraseTokens, "")
		if s := matchr.JaroWinkler(concatIn, concatPh, false); s > score {
			score = s
		}
	}
	return score
}

// phoneticCodes returns the union of Double Metaphone codes for the tokens.
func phoneticCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
