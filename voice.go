package ttscache

// Provider names used by the default deployment.
const (
	ProviderVibeVoice  = "vibevoice"
	ProviderPiper      = "piper"
	ProviderChatterbox = "chatterbox"
)

// Defaults applied by [VoiceConfig.Normalized] when fields are unset.
const (
	DefaultVoiceID  = "nova"
	DefaultProvider = ProviderVibeVoice
	DefaultSpeed    = 1.0
)

// VoiceConfig selects the voice audio is synthesized with. The zero value
// normalizes to the deployment defaults.
type VoiceConfig struct {
	VoiceID  string         `json:"voice_id"`
	Provider string         `json:"provider"`
	Speed    float64        `json:"speed"`
	Params   ProviderParams `json:"params,omitzero"`
}

// ProviderParams carries provider-specific synthesis settings. At most one
// variant is set; the zero value means no extra parameters. New providers
// with tunables get their own variant rather than loose optional fields.
type ProviderParams struct {
	Chatterbox *ChatterboxParams `json:"chatterbox,omitempty"`
}

// ChatterboxParams tunes the chatterbox provider.
type ChatterboxParams struct {
	// Exaggeration controls emotional intensity, typically 0.0 to 1.0.
	Exaggeration *float64 `json:"exaggeration,omitempty"`

	// CFGWeight balances voice fidelity against prompt adherence.
	CFGWeight *float64 `json:"cfg_weight,omitempty"`

	// Language is an ISO 639-1 code, empty for the provider default.
	Language string `json:"language,omitempty"`
}

// Normalized returns a copy with defaults applied, the speed rounded to two
// decimals, and params dropped unless they belong to the selected provider.
func (c VoiceConfig) Normalized() VoiceConfig {
	if c.VoiceID == "" {
		c.VoiceID = DefaultVoiceID
	}
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.Speed == 0 {
		c.Speed = DefaultSpeed
	}
	c.Speed = roundSpeed(c.Speed)
	if c.Provider != ProviderChatterbox {
		c.Params.Chatterbox = nil
	}
	return c
}
