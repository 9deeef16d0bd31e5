package digits

import "strings"

var spokenDigits = map[string]byte{
	"zero": '0', "oh": '0', "o": '0',
	"one": '1', "two": '2', "three": '3', "four": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "nine": '9',
}

var spokenRepeats = map[string]int{
	"double": 2,
	"triple": 3,
}

// NormalizeSpoken extracts a digit buffer from a transcribed utterance:
// digit words and literal digit runs are kept, "double"/"triple" multiply
// the next digit, everything else is skipped. "one two triple three" becomes
// "12333". Returns "" when the utterance carries no digits.
func NormalizeSpoken(text string) string {
	var out strings.Builder
	repeat := 1

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'")
		if token == "" {
			continue
		}
		if n, ok := spokenRepeats[token]; ok {
			repeat = n
			continue
		}
		if d, ok := spokenDigits[token]; ok {
			for i := 0; i < repeat; i++ {
				out.WriteByte(d)
			}
			repeat = 1
			continue
		}

		// Literal digit runs such as "1234" or "12-34" from the recognizer.
		wrote := false
		for i := 0; i < len(token); i++ {
			if token[i] >= '0' && token[i] <= '9' {
				for r := 0; r < repeat; r++ {
					out.WriteByte(token[i])
				}
				repeat = 1
				wrote = true
			}
		}
		if !wrote {
			// A filler word drops any pending multiplier.
			repeat = 1
		}
	}
	return out.String()
}
