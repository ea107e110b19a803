// Package assignment balances waiting behavior requests across active kiosks and
// derives each request's queue position. Everything here is a pure function of
// the requests and kiosks it is given; nothing is persisted except the kiosk
// bindings a Plan reports as changed.
package assignment

import (
	"sort"

	"kioskqueue/pkg/types"
)

// Plan is the outcome of one assignment pass
type Plan struct {
	// Changes lists waiting requests whose kiosk binding differs from the input.
	Changes []types.AssignmentChange

	// Positions maps every waiting request id to its 1-based rank on its kiosk,
	// or 0 when it has no kiosk.
	Positions map[string]int

	// Queues maps each active kiosk id to its waiting request ids in queue order.
	Queues map[int][]string
}

// Empty reports whether applying the plan would change nothing
func (p *Plan) Empty() bool {
	return len(p.Changes) == 0
}

// Assign binds every waiting request to an active kiosk, keeping per-kiosk waiting
// counts within one of each other. Requests already on an active kiosk stay put
// unless rebalancing has to move a queue tail. Requests on an inactive or unknown
// kiosk are orphaned and redistributed; with no active kiosk they stay unassigned.
func Assign(requests []*types.BehaviorRequest, kiosks []*types.Kiosk) *Plan {
	active := make(map[int]bool)
	var activeIDs []int
	for _, k := range kiosks {
		if k.IsActive {
			active[k.ID] = true
			activeIDs = append(activeIDs, k.ID)
		}
	}
	sort.Ints(activeIDs)

	waiting := waitingInOrder(requests)

	queues := make(map[int][]*types.BehaviorRequest, len(activeIDs))
	for _, id := range activeIDs {
		queues[id] = nil
	}

	var pending []*types.BehaviorRequest
	for _, r := range waiting {
		if r.AssignedKioskID != nil && active[*r.AssignedKioskID] {
			queues[*r.AssignedKioskID] = append(queues[*r.AssignedKioskID], r)
			continue
		}
		pending = append(pending, r)
	}

	target := make(map[string]*int, len(waiting))
	for id, q := range queues {
		for _, r := range q {
			target[r.ID] = intPtr(id)
		}
	}

	if len(activeIDs) > 0 {
		for _, r := range pending {
			id := emptiest(activeIDs, queues)
			queues[id] = append(queues[id], r)
			target[r.ID] = intPtr(id)
		}
		rebalance(activeIDs, queues, target)
	}

	plan := &Plan{
		Positions: make(map[string]int, len(waiting)),
		Queues:    make(map[int][]string, len(activeIDs)),
	}

	for _, id := range activeIDs {
		q := queues[id]
		sortRequests(q)
		ids := make([]string, len(q))
		for i, r := range q {
			ids[i] = r.ID
			plan.Positions[r.ID] = i + 1
		}
		plan.Queues[id] = ids
	}

	for _, r := range waiting {
		next := target[r.ID]
		if next == nil {
			plan.Positions[r.ID] = 0
		}
		if !sameKiosk(r.AssignedKioskID, next) {
			plan.Changes = append(plan.Changes, types.AssignmentChange{RequestID: r.ID, KioskID: next})
		}
	}

	return plan
}

// rebalance moves the newest request of the fullest kiosk to the emptiest kiosk
// until counts differ by at most one. Only queue tails move, so earlier requests
// keep their rank.
func rebalance(activeIDs []int, queues map[int][]*types.BehaviorRequest, target map[string]*int) {
	for {
		low := emptiest(activeIDs, queues)
		high := fullest(activeIDs, queues)
		if len(queues[high])-len(queues[low]) <= 1 {
			return
		}

		q := queues[high]
		sortRequests(q)
		tail := q[len(q)-1]
		queues[high] = q[:len(q)-1]
		queues[low] = append(queues[low], tail)
		target[tail.ID] = intPtr(low)
	}
}

// emptiest returns the kiosk with the fewest waiting requests, lowest id on ties
func emptiest(ids []int, queues map[int][]*types.BehaviorRequest) int {
	best := ids[0]
	for _, id := range ids[1:] {
		if len(queues[id]) < len(queues[best]) {
			best = id
		}
	}
	return best
}

// fullest returns the kiosk with the most waiting requests, lowest id on ties
func fullest(ids []int, queues map[int][]*types.BehaviorRequest) int {
	best := ids[0]
	for _, id := range ids[1:] {
		if len(queues[id]) > len(queues[best]) {
			best = id
		}
	}
	return best
}

// Positions ranks waiting requests within their current kiosk. Requests with no
// kiosk, and requests that are not waiting, get 0.
func Positions(requests []*types.BehaviorRequest) map[string]int {
	positions := make(map[string]int, len(requests))
	next := make(map[int]int)
	for _, r := range waitingInOrder(requests) {
		if r.AssignedKioskID == nil {
			positions[r.ID] = 0
			continue
		}
		next[*r.AssignedKioskID]++
		positions[r.ID] = next[*r.AssignedKioskID]
	}
	return positions
}

// Annotate stamps Position on each request from its current binding
func Annotate(requests []*types.BehaviorRequest) {
	positions := Positions(requests)
	for _, r := range requests {
		r.Position = positions[r.ID]
	}
}

// ApplyPlan updates the in-memory requests to match a plan
func ApplyPlan(requests []*types.BehaviorRequest, plan *Plan) {
	changed := make(map[string]*int, len(plan.Changes))
	for _, c := range plan.Changes {
		changed[c.RequestID] = c.KioskID
	}
	for _, r := range requests {
		if k, ok := changed[r.ID]; ok {
			r.AssignedKioskID = k
		}
		r.Position = plan.Positions[r.ID]
	}
}

// NextInLine returns the position-1 request of a kiosk, or nil when its queue is empty
func NextInLine(requests []*types.BehaviorRequest, kioskID int) *types.BehaviorRequest {
	for _, r := range waitingInOrder(requests) {
		if r.AssignedKioskID != nil && *r.AssignedKioskID == kioskID {
			return r
		}
	}
	return nil
}

func waitingInOrder(requests []*types.BehaviorRequest) []*types.BehaviorRequest {
	var waiting []*types.BehaviorRequest
	for _, r := range requests {
		if r.Status == types.StatusWaiting {
			waiting = append(waiting, r)
		}
	}
	sortRequests(waiting)
	return waiting
}

// sortRequests orders by created_at, ties by id
func sortRequests(requests []*types.BehaviorRequest) {
	sort.SliceStable(requests, func(i, j int) bool {
		a, b := requests[i], requests[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func sameKiosk(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func intPtr(v int) *int {
	return &v
}
