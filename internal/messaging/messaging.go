// Package messaging defines the outbound chat collaborators. The real
// chat transport lives outside this service; when none is attached the
// logging implementations keep every send visible in the logs.
package messaging

import (
	"github.com/rs/zerolog/log"
)

// Messenger delivers a literal text message to a group's channel. No
// delivery receipt is assumed.
type Messenger interface {
	Send(groupID, text string) error
}

// Notifier pushes a best-effort message to the desk's control channel.
// Fire-and-forget: failures are swallowed by the implementation.
type Notifier interface {
	Notify(message string)
}

// LogMessenger writes outbound group messages to the log. Used in
// development and as the default when no transport is wired.
type LogMessenger struct{}

func (LogMessenger) Send(groupID, text string) error {
	log.Info().
		Str("component", "messenger").
		Str("group_id", groupID).
		Str("text", text).
		Msg("outbound group message")
	return nil
}

// LogNotifier writes control-channel notifications to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(message string) {
	log.Info().
		Str("component", "notifier").
		Str("message", message).
		Msg("control channel notification")
}
