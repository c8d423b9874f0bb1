package queue

import (
	"reflect"
	"testing"

	"qms/reception-service/internal/models"
)

func ids(tickets []models.Ticket) []string {
	out := make([]string, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.TicketID)
	}
	return out
}

func ticket(id string) models.Ticket {
	return models.Ticket{TicketID: id, Status: models.StatusWaiting}
}

func ptr(t models.Ticket) *models.Ticket {
	return &t
}

func TestAssemble(t *testing.T) {
	cases := []struct {
		name    string
		current *models.Ticket
		next    *models.Ticket
		queue   []models.Ticket
		want    []string
	}{
		{"empty", nil, nil, nil, []string{}},
		{"queue only", nil, nil, []models.Ticket{ticket("A"), ticket("B")}, []string{"A", "B"}},
		{"current pinned", ptr(ticket("C")), nil, []models.Ticket{ticket("A"), ticket("C")}, []string{"C", "A"}},
		{"current and next echoed", ptr(ticket("T1")), ptr(ticket("T2")), []models.Ticket{ticket("T2"), ticket("T3")}, []string{"T1", "T2", "T3"}},
		{"next equals current", ptr(ticket("T1")), ptr(ticket("T1")), []models.Ticket{ticket("T3")}, []string{"T1", "T3"}},
		{"duplicate in queue", nil, ptr(ticket("N")), []models.Ticket{ticket("A"), ticket("A"), ticket("N")}, []string{"N", "A"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ids(Assemble(tc.current, tc.next, tc.queue))
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestAssembleIdempotent(t *testing.T) {
	current := ptr(ticket("T1"))
	next := ptr(ticket("T2"))
	q := []models.Ticket{ticket("T3"), ticket("T1"), ticket("T4"), ticket("T3")}

	first := Assemble(current, next, q)
	second := Assemble(current, next, q)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("assemble not deterministic: %v vs %v", ids(first), ids(second))
	}
	seen := map[string]bool{}
	for _, tk := range first {
		if seen[tk.TicketID] {
			t.Fatalf("ticket %s appears twice", tk.TicketID)
		}
		seen[tk.TicketID] = true
	}
}

func TestFinalizeTrustsUpstreamOrder(t *testing.T) {
	snap := &models.CounterSnapshot{
		Current: ptr(ticket("T1")),
		Queue:   []models.Ticket{ticket("T2")},
		Ordered: []models.Ticket{ticket("T2"), ticket("T1"), ticket("T2")},
	}
	Finalize(snap)
	if got := ids(snap.Ordered); !reflect.DeepEqual(got, []string{"T2", "T1"}) {
		t.Fatalf("unexpected ordered %v", got)
	}
}

func TestFinalizeDerivesOrder(t *testing.T) {
	snap := &models.CounterSnapshot{Next: ptr(ticket("T2"))}
	Finalize(snap)
	if snap.Queue == nil {
		t.Fatalf("expected non-nil queue")
	}
	if got := ids(snap.Ordered); !reflect.DeepEqual(got, []string{"T2"}) {
		t.Fatalf("unexpected ordered %v", got)
	}
}

func TestWaitingDisjoint(t *testing.T) {
	snap := &models.CounterSnapshot{
		Current: ptr(ticket("T1")),
		Next:    ptr(ticket("T2")),
		Queue:   []models.Ticket{ticket("T2"), ticket("T3")},
	}
	Finalize(snap)
	waiting := Waiting(snap)
	if got := ids(waiting); !reflect.DeepEqual(got, []string{"T3"}) {
		t.Fatalf("unexpected waiting %v", got)
	}

	// upstream ordered that still lists current/next
	snap.Ordered = []models.Ticket{ticket("T3"), ticket("T2"), ticket("T1"), ticket("T4")}
	if got := ids(Waiting(snap)); !reflect.DeepEqual(got, []string{"T3", "T4"}) {
		t.Fatalf("unexpected waiting %v", got)
	}
}

func TestWaitingNilSnapshot(t *testing.T) {
	if got := Waiting(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
}
