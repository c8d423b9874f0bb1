package models

import "time"

type Ticket struct {
	TicketID      string         `json:"ticket_id"`
	PatientName   string         `json:"patient_name"`
	PatientAge    int            `json:"patient_age"`
	PatientGender string         `json:"patient_gender,omitempty"`
	QueueNumber   string         `json:"queue_number"`
	Status        string         `json:"status"`
	CallCount     int            `json:"call_count"`
	QueuePriority *int           `json:"queue_priority"`
	AssignedAt    *time.Time     `json:"assigned_at"`
	CounterID     string         `json:"counter_id"`
	CounterCode   string         `json:"counter_code"`
	CounterName   string         `json:"counter_name"`
	IsOnTime      bool           `json:"is_on_time"`
	IsPregnant    bool           `json:"is_pregnant"`
	IsDisabled    bool           `json:"is_disabled"`
	IsElderly     bool           `json:"is_elderly"`
	Metadata      map[string]any `json:"metadata"`
}

const (
	StatusWaiting   = "WAITING"
	StatusNext      = "NEXT"
	StatusServing   = "SERVING"
	StatusSkipped   = "SKIPPED"
	StatusCompleted = "COMPLETED"
	StatusRemoved   = "REMOVED"
)

var ticketStatuses = map[string]struct{}{
	StatusWaiting:   {},
	StatusNext:      {},
	StatusServing:   {},
	StatusSkipped:   {},
	StatusCompleted: {},
	StatusRemoved:   {},
}

func ValidTicketStatus(status string) bool {
	_, ok := ticketStatuses[status]
	return ok
}

// HasPriority reports whether any of the priority flags is set.
func (t Ticket) HasPriority() bool {
	return t.IsOnTime || t.IsPregnant || t.IsDisabled || t.IsElderly
}

// MetadataString returns the metadata value under key when it is a non-empty
// string. Other value types are reported as absent.
func (t Ticket) MetadataString(key string) (string, bool) {
	if t.Metadata == nil {
		return "", false
	}
	v, ok := t.Metadata[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// CounterSnapshot is the queue state of one counter at one instant. Ordered
// holds Current, Next and Queue without repeated ticket ids.
type CounterSnapshot struct {
	CounterID string    `json:"counter_id"`
	Current   *Ticket   `json:"current"`
	Next      *Ticket   `json:"next"`
	Queue     []Ticket  `json:"queue"`
	Ordered   []Ticket  `json:"ordered"`
	FetchedAt time.Time `json:"fetched_at"`
}

func EmptySnapshot(counterID string) *CounterSnapshot {
	return &CounterSnapshot{
		CounterID: counterID,
		Queue:     []Ticket{},
		Ordered:   []Ticket{},
		FetchedAt: time.Now().UTC(),
	}
}
