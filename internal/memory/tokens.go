package memory

import "strings"

// EstimateTokens approximates a model token count: one per whitespace
// separated word plus one per non-ASCII rune, so CJK text without spaces is
// not undercounted.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	wide := 0
	for _, r := range text {
		if r > 127 {
			wide++
		}
	}
	return words + wide
}
