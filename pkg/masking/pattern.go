package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPattern is the uncompiled source form of a built-in pattern.
type builtinPattern struct {
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns are the regex patterns available to every masking surface.
// Invalid patterns are logged and skipped at compile time.
var builtinPatterns = map[string]builtinPattern{
	"otp_context": {
		Pattern:     `(?i)\b(code|otp|pin|passcode)(\s+is)?\s*:?\s*\d{4,8}\b`,
		Replacement: "${1} [MASKED_OTP]",
		Description: "One-time codes announced next to a keyword",
	},
	"cvv_context": {
		Pattern:     `(?i)\b(cvv|cvc|security code)(\s+is)?\s*:?\s*\d{3,4}\b`,
		Replacement: "${1} [MASKED_CVV]",
		Description: "Card verification values announced next to a keyword",
	},
	"pan": {
		Pattern:     `\b\d(?:[ -]?\d){12,18}\b`,
		Replacement: "[MASKED_CARD]",
		Description: "Card numbers, 13-19 digits with optional separators",
	},
	"digit_run": {
		Pattern:     `\b\d{4,8}\b`,
		Replacement: "[MASKED_DIGITS]",
		Description: "Bare digit runs in OTP range",
	},
	"phone": {
		Pattern:     `\+\d{10,15}\b`,
		Replacement: "[MASKED_PHONE]",
		Description: "E.164 phone numbers",
	},
	"email": {
		Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		Replacement: "[MASKED_EMAIL]",
		Description: "Email addresses",
	},
}

// patternGroups name the pattern sets each masking surface uses. Transcripts
// skip digit_run: reprompt speech legitimately contains small numbers and
// years, and the contextual patterns plus the spoken-digit masker cover the
// sensitive cases.
var patternGroups = map[string][]string{
	"transcript": {"otp_context", "cvv_context", "pan", "spoken_digits"},
	"payload":    {"otp_context", "cvv_context", "pan", "digit_run", "phone", "email"},
}

// compileBuiltinPatterns compiles all built-in regex patterns.
// Invalid patterns are logged and skipped.
func (s *Service) compileBuiltinPatterns() {
	for name, pattern := range builtinPatterns {
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: pattern.Replacement,
			Description: pattern.Description,
		}
	}
}

// resolvedPatterns holds the resolved set of maskers and patterns for a masking operation.
type resolvedPatterns struct {
	codeMaskerNames []string           // Names of code-based maskers to apply
	regexPatterns   []*CompiledPattern // Compiled regex patterns to apply
}

// resolveGroup expands a group name into a deduplicated resolvedPatterns.
func (s *Service) resolveGroup(groupName string) *resolvedPatterns {
	seen := make(map[string]bool)
	resolved := &resolvedPatterns{}

	for _, name := range patternGroups[groupName] {
		if seen[name] {
			continue
		}
		seen[name] = true

		// Code maskers and regex patterns share the name space
		if _, ok := s.codeMaskers[name]; ok {
			resolved.codeMaskerNames = append(resolved.codeMaskerNames, name)
			continue
		}
		if cp, ok := s.patterns[name]; ok {
			resolved.regexPatterns = append(resolved.regexPatterns, cp)
		}
	}

	return resolved
}
