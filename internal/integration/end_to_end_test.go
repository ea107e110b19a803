package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"kioskqueue/internal/api"
	"kioskqueue/internal/devicesession"
	"kioskqueue/internal/kioskclient"
	"kioskqueue/internal/localstore"
	"kioskqueue/pkg/types"
)

func TestEndToEnd_ReflectionCycle(t *testing.T) {
	s := newStack(t, 2)
	ctx := context.Background()
	s.addStudent("s1", "Sam")

	if code := s.call(http.MethodPost, "/api/kiosks/activate", api.ActivateKioskRequest{KioskID: 1}, nil); code != http.StatusOK {
		t.Fatalf("activate = %d", code)
	}

	dashboard := s.dial(types.TableBehaviorRequests)

	var created types.BehaviorRequest
	code := s.call(http.MethodPost, "/api/queue", api.AddToQueueRequest{StudentID: "s1", Behaviors: []string{"disruptive"}, Mood: 40}, &created)
	if code != http.StatusCreated {
		t.Fatalf("add = %d", code)
	}
	if ev := awaitEvent(t, dashboard, types.TableBehaviorRequests, types.OpInsert); ev.ID != created.ID {
		t.Errorf("insert event for %s, want %s", ev.ID, created.ID)
	}

	var link types.SessionLink
	if code := s.call(http.MethodPost, "/api/device-sessions", api.CreateSessionRequest{KioskID: 1}, &link); code != http.StatusCreated {
		t.Fatalf("create session = %d", code)
	}

	tabs := devicesession.NewTabMonitor(localstore.NewMemory(), s.clock)
	runner := kioskclient.NewRunner(s.sessions, s.queue, s.hub, tabs, s.clock, kioskclient.DefaultConfig())
	if err := runner.Start(ctx, link.SessionID); err != nil {
		t.Fatalf("runner start: %v", err)
	}
	t.Cleanup(runner.Stop)

	snap := runner.Snapshot()
	if snap.State != kioskclient.StateWaiting || len(snap.Queue) != 1 || snap.KioskID != 1 {
		t.Fatalf("unexpected kiosk view: %+v", snap)
	}

	if _, err := runner.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	awaitEvent(t, dashboard, types.TableBehaviorRequests, types.OpUpdate)

	answers := types.Answers{
		"I talked over the teacher",
		"The class could not hear the lesson",
		"I wanted my friend to laugh",
		"Wait for a break to talk to friends",
	}
	if _, err := runner.Submit(ctx, answers); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if runner.State() != kioskclient.StateComplete {
		t.Fatalf("state = %s", runner.State())
	}

	var reflection types.Reflection
	if code := s.call(http.MethodGet, "/api/queue/"+created.ID+"/reflection", nil, &reflection); code != http.StatusOK {
		t.Fatalf("get reflection = %d", code)
	}
	if reflection.Answers != answers {
		t.Errorf("stored answers differ: %+v", reflection.Answers)
	}

	if code := s.call(http.MethodPost, "/api/queue/"+created.ID+"/approve", nil, nil); code != http.StatusOK {
		t.Fatalf("approve = %d", code)
	}
	awaitEvent(t, dashboard, types.TableBehaviorRequests, types.OpDelete)

	// Completion screen holds through the approval until the reset timer fires
	if runner.State() != kioskclient.StateComplete {
		t.Errorf("state after approval = %s", runner.State())
	}
	s.clock.Advance(10 * time.Second)

	snap = runner.Snapshot()
	if snap.State != kioskclient.StateWaiting || len(snap.Queue) != 0 {
		t.Errorf("kiosk should reset to an empty waiting screen: %+v", snap)
	}

	var archive map[string][]types.ReflectionArchive
	s.call(http.MethodGet, "/api/students/s1/archive", nil, &archive)
	if len(archive["archive"]) != 1 || archive["archive"][0].ApprovedBy != "t1" {
		t.Errorf("unexpected archive: %+v", archive)
	}
}

func TestEndToEnd_DeactivationRedistributes(t *testing.T) {
	s := newStack(t, 2)

	for _, id := range []int{1, 2} {
		if code := s.call(http.MethodPost, "/api/kiosks/activate", api.ActivateKioskRequest{KioskID: id}, nil); code != http.StatusOK {
			t.Fatalf("activate %d = %d", id, code)
		}
	}
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("s%d", i)
		s.addStudent(id, "Student "+id)
		if code := s.call(http.MethodPost, "/api/queue", api.AddToQueueRequest{StudentID: id, Behaviors: []string{"late"}}, nil); code != http.StatusCreated {
			t.Fatalf("add %s = %d", id, code)
		}
	}

	perKiosk := func() map[int]int {
		var resp map[string][]*types.BehaviorRequest
		s.call(http.MethodGet, "/api/queue", nil, &resp)
		counts := make(map[int]int)
		for _, r := range resp["requests"] {
			if r.AssignedKioskID != nil {
				counts[*r.AssignedKioskID]++
			}
		}
		return counts
	}
	if counts := perKiosk(); counts[1] != 2 || counts[2] != 2 {
		t.Fatalf("expected a 2/2 split, got %v", counts)
	}

	kiosks := s.dial(types.TableKiosks)
	if code := s.call(http.MethodPost, "/api/kiosks/2/deactivate", nil, nil); code != http.StatusOK {
		t.Fatalf("deactivate = %d", code)
	}
	if ev := awaitEvent(t, kiosks, types.TableKiosks, types.OpUpdate); ev.ID != "2" {
		t.Errorf("kiosk event id = %q", ev.ID)
	}

	eventually(t, "orphans to move to kiosk 1", func() bool {
		counts := perKiosk()
		return counts[1] == 4 && counts[2] == 0
	})

	var resp map[string][]*types.BehaviorRequest
	s.call(http.MethodGet, "/api/queue", nil, &resp)
	seen := make(map[int]bool)
	for _, r := range resp["requests"] {
		seen[r.Position] = true
	}
	for p := 1; p <= 4; p++ {
		if !seen[p] {
			t.Errorf("position %d missing after redistribution", p)
		}
	}
}
