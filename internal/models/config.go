package models

import (
	"fmt"
	"strings"
	"time"
)

// BotConfig is the per-page automation configuration.
type BotConfig struct {
	PageID                       string        `json:"pageId" yaml:"pageId"`
	OrgID                        string        `json:"orgId" yaml:"orgId"`
	Enabled                      bool          `json:"enabled" yaml:"enabled"`
	FlowsEnabled                 bool          `json:"flowsEnabled" yaml:"flowsEnabled"`
	FallbackToAI                 bool          `json:"fallbackToAi" yaml:"fallbackToAi"`
	SystemPrompt                 string        `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Temperature                  float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	HandoffKeywords              []string      `json:"handoffKeywords,omitempty" yaml:"handoffKeywords,omitempty"`
	HandoffOnNegativeSentiment   bool          `json:"handoffOnNegativeSentiment,omitempty" yaml:"handoffOnNegativeSentiment,omitempty"`
	HandoffMessage               string        `json:"handoffMessage,omitempty" yaml:"handoffMessage,omitempty"`
	AppointmentSchedulingEnabled bool          `json:"appointmentSchedulingEnabled,omitempty" yaml:"appointmentSchedulingEnabled,omitempty"`
	AppointmentPrompt            string        `json:"appointmentPrompt,omitempty" yaml:"appointmentPrompt,omitempty"`
	BusinessHours                BusinessHours `json:"businessHours" yaml:"businessHours"`
}

// DefaultHandoffMessage is sent when a page configures no handoff acknowledgement.
const DefaultHandoffMessage = "Thanks for your patience. A member of our team will be with you shortly."

// DefaultAppointmentPrompt is sent on appointment intent when no prompt is configured.
const DefaultAppointmentPrompt = "I'd be happy to help you book an appointment. What day and time work best for you?"

// HandoffText returns the configured acknowledgement or the default one.
func (c *BotConfig) HandoffText() string {
	if strings.TrimSpace(c.HandoffMessage) != "" {
		return c.HandoffMessage
	}
	return DefaultHandoffMessage
}

// DayHours is the open window for one weekday, in "HH:MM" 24h local time.
type DayHours struct {
	Day   string `json:"day" yaml:"day"`
	Open  string `json:"open" yaml:"open"`
	Close string `json:"close" yaml:"close"`
}

// BusinessHours limits when the bot answers.
type BusinessHours struct {
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Timezone    string     `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Schedule    []DayHours `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	AwayMessage string     `json:"awayMessage,omitempty" yaml:"awayMessage,omitempty"`
}

// IsOpen reports whether t falls inside the configured hours.
// Disabled hours are always open. A day without an entry is closed.
func (b *BusinessHours) IsOpen(t time.Time) (bool, error) {
	if !b.Enabled {
		return true, nil
	}
	loc := time.UTC
	if b.Timezone != "" {
		l, err := time.LoadLocation(b.Timezone)
		if err != nil {
			return true, fmt.Errorf("load timezone %q: %w", b.Timezone, err)
		}
		loc = l
	}
	local := t.In(loc)
	day := strings.ToLower(local.Weekday().String())
	minutes := local.Hour()*60 + local.Minute()
	for _, d := range b.Schedule {
		if !strings.EqualFold(d.Day, day) && !strings.EqualFold(d.Day, day[:3]) {
			continue
		}
		open, err := parseClock(d.Open)
		if err != nil {
			return true, err
		}
		closing, err := parseClock(d.Close)
		if err != nil {
			return true, err
		}
		if closing <= open {
			// overnight window, e.g. 22:00-02:00
			if minutes >= open || minutes < closing {
				return true, nil
			}
			continue
		}
		if minutes >= open && minutes < closing {
			return true, nil
		}
	}
	return false, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ResponseRule answers with a fixed response when Trigger appears in a message.
type ResponseRule struct {
	ID        string    `json:"id" yaml:"id"`
	PageID    string    `json:"pageId" yaml:"pageId"`
	Trigger   string    `json:"trigger" yaml:"trigger"`
	Response  string    `json:"response" yaml:"response"`
	Priority  int       `json:"priority" yaml:"priority"`
	IsActive  bool      `json:"isActive" yaml:"isActive"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
}
