package models

import "time"

// DigitSource identifies which path produced a digit buffer.
type DigitSource string

const (
	// SourceDTMF is keypad input relayed inside the media stream.
	SourceDTMF DigitSource = "dtmf"
	// SourceSpoken is digits recognized from speech and normalized.
	SourceSpoken DigitSource = "spoken"
	// SourceGather is a carrier gather webhook carrying a complete buffer.
	SourceGather DigitSource = "gather"
)

// DigitProfile is the validation ruleset applied to captured digits.
type DigitProfile string

const (
	ProfileGeneric      DigitProfile = "generic"
	ProfileVerification DigitProfile = "verification"
	ProfileCard         DigitProfile = "card"
	ProfileCVV          DigitProfile = "cvv"
	ProfileBanking      DigitProfile = "banking"
)

// Digit rejection reasons recorded on DigitEvent.Reason.
const (
	DigitReasonOK              = "ok"
	DigitReasonWrongLength     = "wrong_length"
	DigitReasonInvalidChecksum = "invalid_checksum"
	DigitReasonBadCharacter    = "bad_character"
	DigitReasonTimeout         = "timeout"
)

// DigitEvent records one acceptance or rejection of a digit buffer.
// Digits holds ciphertext under compliance mode "safe".
type DigitEvent struct {
	ID        string            `json:"id"`
	CallSID   string            `json:"call_sid"`
	Source    DigitSource       `json:"source"`
	Profile   DigitProfile      `json:"profile"`
	Digits    string            `json:"-"`
	Len       int               `json:"len"`
	Accepted  bool              `json:"accepted"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"ts"`
}

// PlanStep is one expectation template inside a collection plan.
type PlanStep struct {
	Profile    DigitProfile `json:"profile"`
	MinLen     int          `json:"min_len"`
	MaxLen     int          `json:"max_len"`
	Terminator string       `json:"terminator,omitempty"`
	Prompt     string       `json:"prompt,omitempty"`
	Reprompts  []string     `json:"reprompts,omitempty"`
}

// CollectionPlan is an ordered sequence of digit expectations
// (e.g. card number, then expiry, then CVV). Immutable once installed.
type CollectionPlan struct {
	PlanID            string     `json:"plan_id"`
	GroupID           string     `json:"group_id,omitempty"`
	Steps             []PlanStep `json:"steps"`
	CompletionMessage string     `json:"completion_message,omitempty"`
	FailureMessage    string     `json:"failure_message,omitempty"`
	EndCallOnSuccess  bool       `json:"end_call_on_success"`
}

// Expectation describes the digit input currently expected on a call.
// At most one is active per call; the engine owns the live copy and the
// latest persisted call_state with kind "expectation" mirrors it.
type Expectation struct {
	CallSID          string       `json:"call_sid"`
	Profile          DigitProfile `json:"profile"`
	MinLen           int          `json:"min_len"`
	MaxLen           int          `json:"max_len"`
	Terminator       string       `json:"terminator,omitempty"`
	PlanID           string       `json:"plan_id,omitempty"`
	PlanStepIndex    int          `json:"plan_step_index"`
	Retries          int          `json:"retries"`
	MaxRetries       int          `json:"max_retries"`
	EndCallOnSuccess bool         `json:"end_call_on_success"`
	Prompt           string       `json:"prompt,omitempty"`
	Reprompt         string       `json:"reprompt,omitempty"`
	FailureMessage   string       `json:"failure_message,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}
