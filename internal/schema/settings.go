package schema

import (
	"fmt"

	"github.com/repcue/localsync/internal/envelope"
)

// UserPreference holds per-user presentation and feedback choices.
type UserPreference struct {
	Sync envelope.Envelope `json:"-"`

	Units            string `json:"units"`
	Theme            string `json:"theme"`
	Locale           string `json:"locale,omitempty"`
	SoundEnabled     bool   `json:"sound_enabled"`
	VibrationEnabled bool   `json:"vibration_enabled"`
	DefaultRestTime  int    `json:"default_rest_time,omitempty"`
	BeepInterval     int    `json:"beep_interval,omitempty"`
}

func (p *UserPreference) Kind() Kind                   { return KindUserPreference }
func (p *UserPreference) Envelope() *envelope.Envelope { return &p.Sync }

// Validate checks the domain fields.
func (p *UserPreference) Validate() error {
	switch p.Units {
	case "metric", "imperial":
	default:
		return fmt.Errorf("invalid units %q", p.Units)
	}
	switch p.Theme {
	case "light", "dark", "auto":
	default:
		return fmt.Errorf("invalid theme %q", p.Theme)
	}
	if p.DefaultRestTime < 0 || p.BeepInterval < 0 {
		return fmt.Errorf("intervals must be >= 0")
	}
	return nil
}

// AppSetting is a single key/value application setting.
type AppSetting struct {
	Sync envelope.Envelope `json:"-"`

	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *AppSetting) Kind() Kind                   { return KindAppSetting }
func (s *AppSetting) Envelope() *envelope.Envelope { return &s.Sync }

// Validate checks the domain fields.
func (s *AppSetting) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("key is required")
	}
	if len(s.Key) > 100 {
		return fmt.Errorf("key must be 100 characters or less (got %d)", len(s.Key))
	}
	return nil
}
