package config

// ValidationMode controls how carrier webhook signatures are enforced.
type ValidationMode string

const (
	// ValidationStrict rejects webhooks with missing or bad signatures
	ValidationStrict ValidationMode = "strict"
	// ValidationWarn accepts but logs webhooks with bad signatures
	ValidationWarn ValidationMode = "warn"
	// ValidationOff skips signature checks entirely (local development)
	ValidationOff ValidationMode = "off"
)

// IsValid checks if the validation mode is valid
func (m ValidationMode) IsValid() bool {
	switch m {
	case ValidationStrict, ValidationWarn, ValidationOff:
		return true
	default:
		return false
	}
}

// MachinePolicy decides what happens when answering-machine detection
// reports a machine instead of a human.
type MachinePolicy string

const (
	// MachinePolicyHangup terminates the call immediately
	MachinePolicyHangup MachinePolicy = "hangup"
	// MachinePolicyContinue proceeds with the scripted flow anyway
	MachinePolicyContinue MachinePolicy = "continue"
	// MachinePolicyVoicemailDrop waits for the beep and plays the first message
	MachinePolicyVoicemailDrop MachinePolicy = "voicemail_drop"
)

// IsValid checks if the machine policy is valid
func (p MachinePolicy) IsValid() bool {
	switch p {
	case MachinePolicyHangup, MachinePolicyContinue, MachinePolicyVoicemailDrop:
		return true
	default:
		return false
	}
}

// ComplianceMode controls how captured digits are stored and exposed.
type ComplianceMode string

const (
	// ComplianceSafe encrypts raw digits at rest and exposes only masked values
	ComplianceSafe ComplianceMode = "safe"
	// ComplianceDevInsecure stores digits cleartext. Local development only.
	ComplianceDevInsecure ComplianceMode = "dev_insecure"
)

// IsValid checks if the compliance mode is valid
func (m ComplianceMode) IsValid() bool {
	return m == ComplianceSafe || m == ComplianceDevInsecure
}

// ProviderKind identifies which adapter implementation backs a
// configured telephony provider.
type ProviderKind string

const (
	// ProviderKindTwilio uses the Twilio Voice API and Media Streams
	ProviderKindTwilio ProviderKind = "twilio"
	// ProviderKindVonage uses the Vonage Voice API with NCCO documents
	ProviderKindVonage ProviderKind = "vonage"
	// ProviderKindConnect uses a generic SIP-connect HTTP bridge
	ProviderKindConnect ProviderKind = "connect"
)

// IsValid checks if the provider kind is valid
func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderKindTwilio, ProviderKindVonage, ProviderKindConnect:
		return true
	default:
		return false
	}
}

// Environment selects deployment-mode behavior such as required-secret checks.
type Environment string

const (
	// EnvDevelopment relaxes secret requirements for local work
	EnvDevelopment Environment = "development"
	// EnvProduction requires all secrets and strict webhook validation
	EnvProduction Environment = "production"
)

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	return e == EnvDevelopment || e == EnvProduction
}
