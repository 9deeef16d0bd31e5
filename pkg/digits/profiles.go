// Package digits implements the digit capture engine: per-profile validation
// of DTMF and spoken digit buffers, the reprompt ladder, capture timers, and
// dual-source dedupe. One Session is owned by each call task; outcomes are
// delivered back onto the call's inbox so all call state stays
// single-threaded.
package digits

import (
	"fmt"
	"strings"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// profileBounds are the length limits applied when an expectation does not
// set its own.
var profileBounds = map[models.DigitProfile][2]int{
	models.ProfileGeneric:      {1, 32},
	models.ProfileVerification: {4, 8},
	models.ProfileCard:         {12, 19},
	models.ProfileCVV:          {3, 4},
	models.ProfileBanking:      {1, 16},
}

// ApplyProfileBounds fills zero-valued length limits from the profile
// defaults and clamps MaxRetries to the given default when unset.
func ApplyProfileBounds(exp *models.Expectation, defaultRetries int) {
	bounds, ok := profileBounds[exp.Profile]
	if !ok {
		bounds = profileBounds[models.ProfileGeneric]
	}
	if exp.MinLen <= 0 {
		exp.MinLen = bounds[0]
	}
	if exp.MaxLen <= 0 {
		exp.MaxLen = bounds[1]
	}
	if exp.MaxLen < exp.MinLen {
		exp.MaxLen = exp.MinLen
	}
	if exp.MaxRetries <= 0 {
		exp.MaxRetries = defaultRetries
	}
}

// Validate applies the acceptance rule to a complete buffer: length within
// the expectation's bounds, digit charset, then the profile validator.
// Returns models.DigitReasonOK when the buffer is acceptable.
func Validate(exp *models.Expectation, buffer string) string {
	for _, r := range buffer {
		if r < '0' || r > '9' {
			return models.DigitReasonBadCharacter
		}
	}
	if len(buffer) < exp.MinLen || len(buffer) > exp.MaxLen {
		return models.DigitReasonWrongLength
	}
	switch exp.Profile {
	case models.ProfileCard:
		if !luhnValid(buffer) {
			return models.DigitReasonInvalidChecksum
		}
	case models.ProfileBanking:
		// Account and routing buffers have no universal checksum; plans
		// carry their own length bounds per step.
	}
	return models.DigitReasonOK
}

// luhnValid reports whether the digit string passes the Luhn check.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Mask keeps the first and last characters and masks the middle, always
// hiding at least one character. Short values mask entirely.
func Mask(digits string) string {
	n := len(digits)
	switch {
	case n == 0:
		return ""
	case n <= 2:
		return strings.Repeat("*", n)
	case n == 3:
		return digits[:1] + "*" + digits[2:]
	default:
		return digits[:1] + strings.Repeat("*", n-2) + digits[n-1:]
	}
}

// RepromptText picks the prompt for retry N (1-based). An expectation's own
// reprompt overrides the first rung; later rungs fall through the profile
// ladder and end on a neutral ask.
func RepromptText(exp *models.Expectation, attempt int) string {
	if attempt <= 1 && exp.Reprompt != "" {
		return exp.Reprompt
	}
	ladder := profileLadder(exp)
	idx := attempt - 1
	if idx < len(ladder) {
		return ladder[idx]
	}
	return "Let's try that once more."
}

func profileLadder(exp *models.Expectation) []string {
	length := lengthPhrase(exp)
	ending := ""
	if exp.Terminator != "" {
		ending = fmt.Sprintf(", ending with %s", spokenKey(exp.Terminator))
	}

	switch exp.Profile {
	case models.ProfileVerification:
		return []string{
			fmt.Sprintf("Please enter your %s digit verification code%s.", length, ending),
			fmt.Sprintf("Let's try once more. Slowly, enter the %s digit code.", length),
		}
	case models.ProfileCard:
		return []string{
			fmt.Sprintf("Please enter your card number%s.", ending),
			"That didn't match a valid card number. Please try again.",
		}
	case models.ProfileCVV:
		return []string{
			fmt.Sprintf("Please enter the %s digit security code on your card.", length),
		}
	case models.ProfileBanking:
		return []string{
			fmt.Sprintf("Please enter the %s digit number%s.", length, ending),
		}
	default:
		return []string{
			fmt.Sprintf("Please enter %s digits%s.", length, ending),
		}
	}
}

func lengthPhrase(exp *models.Expectation) string {
	if exp.MinLen == exp.MaxLen {
		return fmt.Sprintf("%d", exp.MinLen)
	}
	return fmt.Sprintf("%d to %d", exp.MinLen, exp.MaxLen)
}

func spokenKey(key string) string {
	switch key {
	case "#":
		return "the pound key"
	case "*":
		return "the star key"
	default:
		return key
	}
}
