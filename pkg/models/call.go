package models

import "time"

// CallStatus is the closed set of call lifecycle states.
type CallStatus string

// Call lifecycle states. DIGIT_CAPTURE is a nested sub-state of STREAMING:
// a call capturing digits still owns a live media stream.
const (
	CallStatusCreated      CallStatus = "created"
	CallStatusDialing      CallStatus = "dialing"
	CallStatusRinging      CallStatus = "ringing"
	CallStatusAnswered     CallStatus = "answered"
	CallStatusStreaming    CallStatus = "streaming"
	CallStatusDigitCapture CallStatus = "digit_capture"
	CallStatusClosing      CallStatus = "closing"
	CallStatusEnded        CallStatus = "ended"
	CallStatusFailed       CallStatus = "failed"
)

// callStatusRank defines the total order used by the webhook monotonicity
// guard. A carrier event implying a lower-ranked state than the call's
// current state is ignored as stale.
var callStatusRank = map[CallStatus]int{
	CallStatusCreated:      0,
	CallStatusDialing:      1,
	CallStatusRinging:      2,
	CallStatusAnswered:     3,
	CallStatusStreaming:    4,
	CallStatusDigitCapture: 4, // same rank as streaming (nested sub-state)
	CallStatusClosing:      5,
	CallStatusEnded:        6,
	CallStatusFailed:       6,
}

// Rank returns the position of s in the state total order.
// Unknown states rank lowest so they never displace known state.
func (s CallStatus) Rank() int {
	return callStatusRank[s]
}

// IsTerminal reports whether s accepts no further transitions
// (except post-terminal notification-only events).
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusFailed
}

// Valid reports whether s is a known call status.
func (s CallStatus) Valid() bool {
	_, ok := callStatusRank[s]
	return ok
}

// CallDirection distinguishes outbound originates from inbound accepts.
type CallDirection string

const (
	DirectionOutbound CallDirection = "out"
	DirectionInbound  CallDirection = "in"
)

// AnsweredBy classifies who picked up, per carrier machine detection.
type AnsweredBy string

const (
	AnsweredByHuman   AnsweredBy = "human"
	AnsweredByMachine AnsweredBy = "machine"
	AnsweredByUnknown AnsweredBy = "unknown"
)

// Call is a single telephony session identified by a carrier-scoped SID.
// Mutated only via state transitions; immutable after terminal + archive window.
type Call struct {
	CallSID     string        `json:"call_sid"`
	PhoneNumber string        `json:"phone_number"`
	Direction   CallDirection `json:"direction"`
	Provider    string        `json:"provider"`

	// ProviderCallID is the carrier's own identifier when it differs from
	// CallSID (adapters that cannot echo our SID in webhooks).
	ProviderCallID string `json:"provider_call_id,omitempty"`

	Prompt        string     `json:"prompt,omitempty"`
	FirstMessage  string     `json:"first_message,omitempty"`
	OwnerSubject  string     `json:"owner_subject,omitempty"`
	Status        CallStatus `json:"status"`
	CarrierStatus string     `json:"carrier_status,omitempty"`
	AnsweredBy    AnsweredBy `json:"answered_by,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`

	// Timing. Durations are milliseconds; nil until measured.
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	RingMS        *int64     `json:"ring_ms,omitempty"`
	AnswerDelayMS *int64     `json:"answer_delay_ms,omitempty"`

	// Post-call artifacts.
	Summary      string `json:"summary,omitempty"`
	Analysis     string `json:"analysis,omitempty"`
	DigitSummary string `json:"digit_summary,omitempty"`
	DigitCount   int    `json:"digit_count"`

	// OTP columns. LastOTP holds ciphertext under compliance mode "safe" and
	// is never returned by read APIs; LastOTPMasked is the only queryable copy.
	LastOTP       *string `json:"-"`
	LastOTPMasked *string `json:"last_otp_masked,omitempty"`

	// LastSeq is the highest transition sequence number issued for this call.
	LastSeq int `json:"last_seq"`
}

// CallFilters contains filtering options for listing calls.
type CallFilters struct {
	Status    CallStatus `json:"status,omitempty"`
	Direction string     `json:"direction,omitempty"`
	Owner     string     `json:"owner,omitempty"`
	Query     string     `json:"q,omitempty"`
	Cursor    string     `json:"cursor,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// CallListPage is one page of a cursor-paginated call listing.
type CallListPage struct {
	Calls      []*Call `json:"calls"`
	NextCursor string  `json:"next_cursor,omitempty"`
}
