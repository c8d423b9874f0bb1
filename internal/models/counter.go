package models

type Receptionist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CounterSummary struct {
	CounterID            string        `json:"counter_id"`
	CounterCode          string        `json:"counter_code"`
	CounterName          string        `json:"counter_name"`
	Location             string        `json:"location,omitempty"`
	Status               string        `json:"status"`
	AssignedReceptionist *Receptionist `json:"assigned_receptionist"`
	WaitingCount         int           `json:"waiting_count"`
}

const (
	CounterAvailable = "AVAILABLE"
	CounterBusy      = "BUSY"
	CounterOffline   = "OFFLINE"
)

func ValidCounterStatus(status string) bool {
	switch status {
	case CounterAvailable, CounterBusy, CounterOffline:
		return true
	}
	return false
}
