package masking

import (
	"regexp"
	"strings"
)

// digitWords are the spoken forms the speech path can produce for digits,
// including the shorthand multipliers callers actually say.
var digitWords = map[string]bool{
	"zero": true, "oh": true, "one": true, "two": true, "three": true,
	"four": true, "five": true, "six": true, "seven": true, "eight": true,
	"nine": true, "double": true, "triple": true,
}

// Multipliers count as run tokens: "one two triple three" is five digits.
var spokenRunPattern = regexp.MustCompile(
	`(?i)\b(?:zero|oh|one|two|three|four|five|six|seven|eight|nine|double|triple)` +
		`(?:[\s,-]+(?:zero|oh|one|two|three|four|five|six|seven|eight|nine|double|triple)){3,}\b`)

// SpokenDigitMasker masks digit sequences spoken out as words, e.g.
// "four two double seven nine" in a transcript line. Runs shorter than four
// digit words are left alone so ordinary speech ("one moment") survives.
type SpokenDigitMasker struct{}

// Name returns the unique identifier for this masker
func (m *SpokenDigitMasker) Name() string {
	return "spoken_digits"
}

// AppliesTo checks cheaply whether the text contains enough digit words to
// possibly hold a maskable run.
func (m *SpokenDigitMasker) AppliesTo(data string) bool {
	count := 0
	for _, word := range strings.Fields(strings.ToLower(data)) {
		if digitWords[strings.Trim(word, ",.-")] {
			count++
			if count >= 4 {
				return true
			}
		} else {
			count = 0
		}
	}
	return false
}

// Mask replaces runs of four or more spoken digit words.
func (m *SpokenDigitMasker) Mask(data string) string {
	return spokenRunPattern.ReplaceAllString(data, "[MASKED_SPOKEN_DIGITS]")
}
