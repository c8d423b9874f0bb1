package store

import (
	"sync"
	"testing"

	"qms/reception-service/internal/models"
)

func snapshot(counterID string, current, next string, queueIDs ...string) *models.CounterSnapshot {
	snap := &models.CounterSnapshot{CounterID: counterID}
	if current != "" {
		snap.Current = &models.Ticket{TicketID: current}
	}
	if next != "" {
		snap.Next = &models.Ticket{TicketID: next}
	}
	for _, id := range queueIDs {
		snap.Queue = append(snap.Queue, models.Ticket{TicketID: id})
	}
	return snap
}

func TestReplaceRequiresCurrentToken(t *testing.T) {
	s := New()
	tokenA := s.Select("A")
	tokenB := s.Select("B")

	if s.Replace(tokenA, snapshot("A", "T1", "")) {
		t.Fatalf("stale replace for A accepted")
	}
	view := s.View()
	if view.CounterID != "B" || view.Snapshot != nil {
		t.Fatalf("unexpected view after stale replace: %+v", view)
	}

	if !s.Replace(tokenB, snapshot("B", "T5", "")) {
		t.Fatalf("current replace rejected")
	}
	if s.View().Current.TicketID != "T5" {
		t.Fatalf("expected T5 current")
	}
}

func TestReplaceRejectsMismatchedCounter(t *testing.T) {
	s := New()
	token := s.Select("A")
	if s.Replace(token, snapshot("B", "T1", "")) {
		t.Fatalf("snapshot for another counter accepted")
	}
	if s.Replace(token, nil) {
		t.Fatalf("nil snapshot accepted")
	}
	deselect := s.Select("")
	if s.Replace(deselect, snapshot("", "T1", "")) {
		t.Fatalf("replace without a selection accepted")
	}
}

func TestViewWaitingDisjoint(t *testing.T) {
	s := New()
	token := s.Select("C1")
	s.Replace(token, snapshot("C1", "T1", "T2", "T2", "T3", "T1"))

	view := s.View()
	if view.Current.TicketID != "T1" || view.Next.TicketID != "T2" {
		t.Fatalf("unexpected current/next: %+v", view)
	}
	if len(view.Waiting) != 1 || view.Waiting[0].TicketID != "T3" {
		t.Fatalf("unexpected waiting: %+v", view.Waiting)
	}
}

func TestSubscribeReceivesViews(t *testing.T) {
	s := New()
	var (
		mu    sync.Mutex
		views []View
	)
	unsubscribe := s.Subscribe(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		views = append(views, v)
	})

	token := s.Select("C1")
	s.Replace(token, snapshot("C1", "T1", ""))
	s.Replace(token-1, snapshot("C1", "T9", ""))
	unsubscribe()
	s.Select("C2")

	mu.Lock()
	defer mu.Unlock()
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
	if views[1].Current == nil || views[1].Current.TicketID != "T1" {
		t.Fatalf("unexpected second view: %+v", views[1])
	}
}

func TestSelectClearsSnapshot(t *testing.T) {
	s := New()
	token := s.Select("C1")
	s.Replace(token, snapshot("C1", "T1", ""))
	s.Select("C1")
	if view := s.View(); view.Snapshot != nil || view.Current != nil || len(view.Waiting) != 0 {
		t.Fatalf("expected cleared view, got %+v", view)
	}
}
