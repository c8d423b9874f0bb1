// Package queue derives the display order of a counter's tickets.
package queue

import "qms/reception-service/internal/models"

// Assemble pins current and next to the front and keeps the upstream order
// of the remaining queue. The first occurrence of a ticket id wins, since the
// upstream echoes the current ticket inside the queue array.
func Assemble(current, next *models.Ticket, queue []models.Ticket) []models.Ticket {
	ordered := make([]models.Ticket, 0, len(queue)+2)
	seen := make(map[string]struct{}, len(queue)+2)
	if current != nil {
		ordered = append(ordered, *current)
		seen[current.TicketID] = struct{}{}
	}
	if next != nil {
		if _, ok := seen[next.TicketID]; !ok {
			ordered = append(ordered, *next)
			seen[next.TicketID] = struct{}{}
		}
	}
	for _, ticket := range queue {
		if _, ok := seen[ticket.TicketID]; ok {
			continue
		}
		ordered = append(ordered, ticket)
		seen[ticket.TicketID] = struct{}{}
	}
	return ordered
}

// Dedupe keeps the given order and drops repeated ticket ids.
func Dedupe(tickets []models.Ticket) []models.Ticket {
	return Assemble(nil, nil, tickets)
}

// Finalize fills snapshot.Ordered from its parts when the upstream did not
// supply one, and makes every collection non-nil.
func Finalize(snapshot *models.CounterSnapshot) {
	if snapshot.Queue == nil {
		snapshot.Queue = []models.Ticket{}
	}
	if snapshot.Ordered == nil {
		snapshot.Ordered = Assemble(snapshot.Current, snapshot.Next, snapshot.Queue)
		return
	}
	snapshot.Ordered = Dedupe(snapshot.Ordered)
}

// Waiting is the ordered list without the current and next tickets, so a
// ticket is never shown in two regions at once.
func Waiting(snapshot *models.CounterSnapshot) []models.Ticket {
	if snapshot == nil {
		return []models.Ticket{}
	}
	exclude := make(map[string]struct{}, 2)
	if snapshot.Current != nil {
		exclude[snapshot.Current.TicketID] = struct{}{}
	}
	if snapshot.Next != nil {
		exclude[snapshot.Next.TicketID] = struct{}{}
	}
	waiting := make([]models.Ticket, 0, len(snapshot.Ordered))
	for _, ticket := range snapshot.Ordered {
		if _, ok := exclude[ticket.TicketID]; ok {
			continue
		}
		waiting = append(waiting, ticket)
	}
	return waiting
}
