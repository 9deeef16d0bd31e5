package masking

import (
	"log/slog"
	"strings"
)

// Service masks PII before it leaves the call plane: transcript lines before
// persistence and notification payloads before fan-out. Created once at
// application startup (singleton). Thread-safe and stateless aside from
// compiled patterns.
type Service struct {
	patterns    map[string]*CompiledPattern
	codeMaskers map[string]Masker
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns are compiled eagerly at creation time. Invalid
// patterns are logged and skipped.
func NewService() *Service {
	s := &Service{
		patterns:    make(map[string]*CompiledPattern),
		codeMaskers: make(map[string]Masker),
	}

	s.compileBuiltinPatterns()
	s.registerMasker(&SpokenDigitMasker{})

	slog.Info("Masking service initialized",
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// Transcript masks one transcript line before it is persisted or broadcast.
// On masking failure the line is redacted outright (fail-closed): transcripts
// are the surface most likely to carry spoken OTPs and card numbers.
func (s *Service) Transcript(text string) string {
	if text == "" {
		return text
	}
	masked, err := s.applyGroup(text, "transcript")
	if err != nil {
		slog.Error("Transcript masking failed, redacting line (fail-closed)", "error", err)
		return "[REDACTED: masking failure]"
	}
	return masked
}

// Payload masks free-text fields of outbound notification payloads. Fails
// open: a notification with an unmasked fragment beats a dropped one, and the
// payload fields are operator-authored rather than caller speech.
func (s *Service) Payload(text string) string {
	if text == "" {
		return text
	}
	masked, err := s.applyGroup(text, "payload")
	if err != nil {
		slog.Error("Payload masking failed, continuing unmasked (fail-open)", "error", err)
		return text
	}
	return masked
}

// applyGroup applies code-based maskers then regex patterns to content.
func (s *Service) applyGroup(content, groupName string) (string, error) {
	resolved := s.resolveGroup(groupName)
	masked := content

	// Phase 1: code-based maskers (structural awareness)
	for _, maskerName := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[maskerName]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: regex patterns (general sweep)
	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked, nil
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}

// MaskOTP renders the queryable copy of a captured code: first and last
// characters kept, middle replaced with '*', at least one character always
// masked. "412356" becomes "4****6".
func MaskOTP(digits string) string {
	switch n := len(digits); {
	case n == 0:
		return ""
	case n == 1:
		return "*"
	case n == 2:
		// Too short for a middle; the minimum-mask rule eats the last char.
		return digits[:1] + "*"
	default:
		return digits[:1] + strings.Repeat("*", n-2) + digits[n-1:]
	}
}
