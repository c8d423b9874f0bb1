// Package normalize turns loosely shaped upstream JSON into the canonical
// reception models. Every function is total: bad input yields a defaulted
// record, nil, or an empty collection, never a panic.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/reception-service/internal/models"
	"qms/reception-service/internal/queue"
)

const DefaultUnknownPatientName = "Không rõ tên"

var (
	ErrNotObject  = errors.New("snapshot payload is not an object")
	ErrNoSnapshot = errors.New("payload carries no queue state")
)

type Options struct {
	UnknownPatientName string
}

type Normalizer struct {
	unknownPatientName string
}

func New(options Options) *Normalizer {
	name := strings.TrimSpace(options.UnknownPatientName)
	if name == "" {
		name = DefaultUnknownPatientName
	}
	return &Normalizer{unknownPatientName: name}
}

// CounterRef carries the owning counter's identity into tickets that do not
// repeat it.
type CounterRef struct {
	ID   string
	Code string
	Name string
}

func (r CounterRef) merge(fallback CounterRef) CounterRef {
	return CounterRef{
		ID:   firstNonEmpty(r.ID, fallback.ID),
		Code: firstNonEmpty(r.Code, fallback.Code),
		Name: firstNonEmpty(r.Name, fallback.Name),
	}
}

// Ticket normalizes one ticket record. It reports false when the record has
// no ticket id.
func (n *Normalizer) Ticket(v any, fallback CounterRef) (*models.Ticket, bool) {
	obj, ok := object(v)
	if !ok {
		return nil, false
	}
	id := str(obj, ticketIDKeys)
	if id == "" {
		return nil, false
	}
	patient := nested(obj, patientKeys)
	counter := CounterRef{
		ID:   str(obj, ticketCounterIDKeys),
		Code: str(obj, ticketCounterCode),
		Name: str(obj, ticketCounterName),
	}
	if inner := nested(obj, counterObjectKeys); inner != nil {
		counter = counter.merge(counterRef(inner))
	}
	counter = counter.merge(fallback)

	status := strings.ToUpper(str(obj, ticketStatusKeys))
	if !models.ValidTicketStatus(status) {
		status = models.StatusWaiting
	}

	ticket := &models.Ticket{
		TicketID:      id,
		PatientName:   firstNonEmpty(str(obj, patientNameKeys), str(patient, patientNameKeys), n.unknownPatientName),
		PatientAge:    nonNegative(obj, patientAgeKeys),
		PatientGender: firstNonEmpty(str(obj, patientGenderKeys), str(patient, patientGenderKeys)),
		QueueNumber:   str(obj, queueNumberKeys),
		Status:        status,
		CallCount:     nonNegative(obj, callCountKeys),
		QueuePriority: optionalInt(obj, priorityKeys),
		AssignedAt:    timestamp(obj, assignedAtKeys),
		CounterID:     counter.ID,
		CounterCode:   counter.Code,
		CounterName:   counter.Name,
		IsOnTime:      flag(obj, isOnTimeKeys),
		IsPregnant:    flag(obj, isPregnantKeys),
		IsDisabled:    flag(obj, isDisabledKeys),
		IsElderly:     flag(obj, isElderlyKeys),
		Metadata:      bag(obj, metadataKeys),
	}
	if ticket.PatientAge == 0 && patient != nil {
		ticket.PatientAge = nonNegative(patient, patientAgeKeys)
	}
	return ticket, true
}

// Tickets normalizes an array of ticket records, dropping those without an
// id. Non-array input yields an empty slice.
func (n *Normalizer) Tickets(v any, fallback CounterRef) []models.Ticket {
	items, ok := array(v)
	if !ok {
		return []models.Ticket{}
	}
	tickets := make([]models.Ticket, 0, len(items))
	for _, item := range items {
		if ticket, ok := n.Ticket(item, fallback); ok {
			tickets = append(tickets, *ticket)
		}
	}
	return tickets
}

func counterRef(obj map[string]any) CounterRef {
	return CounterRef{
		ID:   str(obj, counterIDKeys),
		Code: str(obj, counterCodeKeys),
		Name: str(obj, counterNameKeys),
	}
}

// Counter normalizes one counter record. It reports false when no counter id
// resolves.
func (n *Normalizer) Counter(v any) (*models.CounterSummary, bool) {
	obj, ok := object(v)
	if !ok {
		return nil, false
	}
	ref := counterRef(obj)
	if ref.ID == "" {
		return nil, false
	}
	summary := &models.CounterSummary{
		CounterID:    ref.ID,
		CounterCode:  ref.Code,
		CounterName:  ref.Name,
		Location:     str(obj, locationKeys),
		WaitingCount: nonNegative(obj, waitingCountKeys),
	}
	if inner := nested(obj, receptionistKeys); inner != nil {
		id := str(inner, receptionistIDKeys)
		name := str(inner, receptionistName)
		if id != "" && name != "" {
			summary.AssignedReceptionist = &models.Receptionist{ID: id, Name: name}
		}
	}
	status := strings.ToUpper(str(obj, counterStatusKeys))
	switch {
	case models.ValidCounterStatus(status):
		summary.Status = status
	case summary.AssignedReceptionist != nil:
		summary.Status = models.CounterBusy
	default:
		summary.Status = models.CounterAvailable
	}
	return summary, true
}

// Counters accepts a bare array or an object wrapping the array under
// "counters" (or "data"/"items").
func (n *Normalizer) Counters(v any) []models.CounterSummary {
	items, ok := array(v)
	if !ok {
		obj, isObject := object(v)
		if !isObject {
			return []models.CounterSummary{}
		}
		raw, _ := lookup(obj, counterListKeys)
		if items, ok = array(raw); !ok {
			return []models.CounterSummary{}
		}
	}
	counters := make([]models.CounterSummary, 0, len(items))
	for _, item := range items {
		if counter, ok := n.Counter(item); ok {
			counters = append(counters, *counter)
		}
	}
	return counters
}

func hasSnapshotParts(obj map[string]any) bool {
	if _, ok := lookup(obj, currentKeys); ok {
		return true
	}
	if _, ok := lookup(obj, nextKeys); ok {
		return true
	}
	for _, keys := range [][]string{queueKeys, orderedKeys} {
		if value, ok := lookup(obj, keys); ok {
			if _, isArray := array(value); isArray {
				return true
			}
		}
	}
	return false
}

// unwrap descends through envelope objects until it reaches the level that
// holds current/next/queue. Counter identity found on the way is collected,
// inner levels taking precedence. found is false when no level has any of
// the snapshot parts.
func unwrap(obj map[string]any) (_ map[string]any, _ CounterRef, found bool) {
	var ref CounterRef
	for depth := 0; depth < 4; depth++ {
		level := CounterRef{
			ID:   str(obj, ticketCounterIDKeys),
			Code: str(obj, ticketCounterCode),
			Name: str(obj, ticketCounterName),
		}
		if inner := nested(obj, counterObjectKeys); inner != nil {
			level = level.merge(counterRef(inner))
		}
		ref = level.merge(ref)
		if hasSnapshotParts(obj) {
			return obj, ref, true
		}
		descended := false
		for _, key := range envelopeKeys {
			if inner, ok := object(obj[key]); ok {
				obj = inner
				descended = true
				break
			}
		}
		if !descended {
			break
		}
	}
	return obj, ref, false
}

// Snapshot normalizes a full counter snapshot. counterID is used when the
// payload does not name its counter. A non-object payload is ErrNotObject;
// an object without current, next, queue or ordered anywhere in its
// envelopes is ErrNoSnapshot, since it says nothing about the queue.
func (n *Normalizer) Snapshot(v any, counterID string) (*models.CounterSnapshot, error) {
	root, ok := object(v)
	if !ok {
		return nil, ErrNotObject
	}
	obj, ref, found := unwrap(root)
	if !found {
		return nil, ErrNoSnapshot
	}
	ref = ref.merge(CounterRef{ID: counterID})

	snapshot := &models.CounterSnapshot{
		CounterID: ref.ID,
		FetchedAt: time.Now().UTC(),
	}
	if raw, ok := lookup(obj, currentKeys); ok {
		snapshot.Current, _ = n.Ticket(raw, ref)
	}
	if raw, ok := lookup(obj, nextKeys); ok {
		snapshot.Next, _ = n.Ticket(raw, ref)
	}
	if raw, ok := lookup(obj, queueKeys); ok {
		snapshot.Queue = n.Tickets(raw, ref)
	}
	if raw, ok := lookup(obj, orderedKeys); ok {
		if _, isArray := array(raw); isArray {
			snapshot.Ordered = n.Tickets(raw, ref)
		}
	}
	queue.Finalize(snapshot)
	return snapshot, nil
}

func (n *Normalizer) DecodeSnapshot(data []byte, counterID string) (*models.CounterSnapshot, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return n.Snapshot(v, counterID)
}

func (n *Normalizer) DecodeCounters(data []byte) ([]models.CounterSummary, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode counters: %w", err)
	}
	return n.Counters(v), nil
}
