package normalize

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Candidate keys per logical field, in priority order. The first key holding
// a usable value wins.
var (
	ticketIDKeys      = []string{"ticketId", "id", "ticket_id"}
	patientNameKeys   = []string{"patientName", "patient_name", "fullName", "name"}
	patientAgeKeys    = []string{"patientAge", "patient_age", "age"}
	patientGenderKeys = []string{"patientGender", "patient_gender", "gender"}
	queueNumberKeys   = []string{"queueNumber", "queue_number", "ticketNumber", "ticket_number", "number"}
	ticketStatusKeys  = []string{"status", "ticketStatus", "ticket_status"}
	callCountKeys     = []string{"callCount", "call_count", "calledCount"}
	priorityKeys      = []string{"queuePriority", "queue_priority", "priority"}
	assignedAtKeys    = []string{"assignedAt", "assigned_at", "calledAt", "called_at"}
	isOnTimeKeys      = []string{"isOnTime", "is_on_time"}
	isPregnantKeys    = []string{"isPregnant", "is_pregnant"}
	isDisabledKeys    = []string{"isDisabled", "is_disabled"}
	isElderlyKeys     = []string{"isElderly", "is_elderly"}
	metadataKeys      = []string{"metadata", "meta"}
	patientKeys       = []string{"patient"}

	counterIDKeys       = []string{"counterId", "id", "counter_id", "uuid"}
	ticketCounterIDKeys = []string{"counterId", "counter_id"}
	counterCodeKeys     = []string{"counterCode", "counter_code", "code"}
	ticketCounterCode   = []string{"counterCode", "counter_code"}
	counterNameKeys     = []string{"counterName", "counter_name", "name"}
	ticketCounterName   = []string{"counterName", "counter_name"}
	counterObjectKeys   = []string{"counter"}
	locationKeys        = []string{"location", "room", "roomName", "room_name"}
	counterStatusKeys   = []string{"status", "counterStatus", "counter_status"}
	waitingCountKeys    = []string{"waitingCount", "waiting_count", "queueLength", "queue_length"}
	receptionistKeys    = []string{"assignedReceptionist", "assigned_receptionist", "receptionist"}
	receptionistIDKeys  = []string{"id", "userId", "user_id", "staffId", "receptionistId"}
	receptionistName    = []string{"name", "fullName", "full_name"}
	counterListKeys     = []string{"counters", "data", "items"}

	currentKeys  = []string{"current", "currentTicket", "current_ticket", "serving"}
	nextKeys     = []string{"next", "nextTicket", "next_ticket"}
	queueKeys    = []string{"queue", "waiting", "waitingList", "tickets"}
	orderedKeys  = []string{"ordered", "orderedQueue"}
	envelopeKeys = []string{"queue", "status", "data"}
)

func object(v any) (map[string]any, bool) {
	obj, ok := v.(map[string]any)
	return obj, ok && obj != nil
}

func array(v any) ([]any, bool) {
	arr, ok := v.([]any)
	return arr, ok
}

// lookup returns the first candidate value that is not null. Blank strings
// count as null so that an empty alias does not shadow a populated one.
func lookup(obj map[string]any, keys []string) (any, bool) {
	if obj == nil {
		return nil, false
	}
	for _, key := range keys {
		value, ok := obj[key]
		if !ok || value == nil {
			continue
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return value, true
	}
	return nil, false
}

func str(obj map[string]any, keys []string) string {
	for _, key := range keys {
		value, ok := lookup(obj, []string{key})
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			return strings.TrimSpace(v)
		case float64, int, int64:
			return cast.ToString(v)
		}
	}
	return ""
}

func number(value any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch v := value.(type) {
	case bool, map[string]any, []any, nil:
		return 0, false
	case string:
		f, err = cast.ToFloat64E(strings.TrimSpace(v))
	default:
		f, err = cast.ToFloat64E(v)
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func integer(obj map[string]any, keys []string, fallback int) int {
	value, ok := lookup(obj, keys)
	if !ok {
		return fallback
	}
	f, ok := number(value)
	if !ok {
		return fallback
	}
	return int(f)
}

func nonNegative(obj map[string]any, keys []string) int {
	n := integer(obj, keys, 0)
	if n < 0 {
		return 0
	}
	return n
}

func optionalInt(obj map[string]any, keys []string) *int {
	value, ok := lookup(obj, keys)
	if !ok {
		return nil
	}
	f, ok := number(value)
	if !ok {
		return nil
	}
	n := int(f)
	return &n
}

func flag(obj map[string]any, keys []string) bool {
	value, ok := lookup(obj, keys)
	if !ok {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// timestamp accepts RFC 3339 style strings or epoch milliseconds.
func timestamp(obj map[string]any, keys []string) *time.Time {
	value, ok := lookup(obj, keys)
	if !ok {
		return nil
	}
	if s, isString := value.(string); isString {
		s = strings.TrimSpace(s)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	ms, ok := number(value)
	if !ok || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(int64(ms)).UTC()
	return &t
}

func bag(obj map[string]any, keys []string) map[string]any {
	out := map[string]any{}
	value, ok := lookup(obj, keys)
	if !ok {
		return out
	}
	src, ok := object(value)
	if !ok {
		return out
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func nested(obj map[string]any, keys []string) map[string]any {
	value, ok := lookup(obj, keys)
	if !ok {
		return nil
	}
	inner, _ := object(value)
	return inner
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
