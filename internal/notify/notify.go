// Package notify delivers the transient success/failure messages shown to the
// receptionist after explicit actions.
package notify

import "github.com/rs/zerolog"

const (
	LevelSuccess = "success"
	LevelError   = "error"
)

type Notifier interface {
	Success(message string)
	Failure(message string)
}

type Nop struct{}

func (Nop) Success(string) {}
func (Nop) Failure(string) {}

// Publisher is the push side used to reach connected desk screens.
type Publisher interface {
	Notify(level, message string)
}

// Desk logs every notification and forwards it to the desk screens.
type Desk struct {
	publisher Publisher
	logger    zerolog.Logger
}

func NewDesk(publisher Publisher, logger zerolog.Logger) *Desk {
	return &Desk{publisher: publisher, logger: logger}
}

func (d *Desk) Success(message string) {
	d.logger.Info().Str("notification", LevelSuccess).Msg(message)
	if d.publisher != nil {
		d.publisher.Notify(LevelSuccess, message)
	}
}

func (d *Desk) Failure(message string) {
	d.logger.Warn().Str("notification", LevelError).Msg(message)
	if d.publisher != nil {
		d.publisher.Notify(LevelError, message)
	}
}
