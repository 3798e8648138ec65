package config

import "github.com/systmms/iamsvc/internal/notifications"

// knownEvents are the lifecycle events that can be mailed.
var knownEvents = []string{
	notifications.TemplateOnboarded,
	notifications.TemplateActivated,
	notifications.TemplateTransferred,
	notifications.TemplateOffboarded,
}

func knownEvent(event string) bool {
	for _, e := range knownEvents {
		if e == event {
			return true
		}
	}
	return false
}

// NotificationConfig holds configuration for lifecycle notifications.
type NotificationConfig struct {
	// QueueSize bounds the number of undelivered events (default: 100).
	QueueSize int `yaml:"queue_size,omitempty"`

	// Email configuration for SMTP email notifications.
	Email *EmailNotificationConfig `yaml:"email,omitempty"`
}

// Enabled reports whether any notification channel is configured.
func (n NotificationConfig) Enabled() bool {
	return n.Email != nil
}

// Events returns the events the email channel is restricted to.
func (n NotificationConfig) Events() []string {
	if n.Email == nil {
		return nil
	}
	return n.Email.Events
}

// EmailNotificationConfig holds SMTP email configuration for lifecycle events.
type EmailNotificationConfig struct {
	// SMTP server configuration.
	SMTP SMTPConfig `yaml:"smtp"`

	// From is the sender email address.
	From string `yaml:"from"`

	// CC receives a copy of every notification, typically a team mailbox.
	CC []string `yaml:"cc,omitempty"`

	// Events specifies which lifecycle events trigger notifications.
	// Valid values: onboarded, activated, transferred, offboarded.
	// If empty, all events are sent.
	Events []string `yaml:"events,omitempty"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	TLS      bool   `yaml:"tls,omitempty"`
}

// Provider converts the settings for the notifications package.
func (e *EmailNotificationConfig) Provider() notifications.EmailConfig {
	port := e.SMTP.Port
	if port == 0 {
		port = 25
		if e.SMTP.TLS {
			port = 587
		}
	}
	return notifications.EmailConfig{
		SMTP: notifications.SMTPConfig{
			Host:     e.SMTP.Host,
			Port:     port,
			Username: e.SMTP.Username,
			Password: e.SMTP.Password,
			TLS:      e.SMTP.TLS,
		},
		From:   e.From,
		CC:     append([]string(nil), e.CC...),
		Events: append([]string(nil), e.Events...),
	}
}
