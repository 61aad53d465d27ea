package stateres

import (
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/fedroom/internal/auth"
	"github.com/roach88/fedroom/internal/ir"
)

// Resolve merges divergent state forks into one state.
//
// authChains[i] is the auth chain of the events in forks[i]. The result
// depends only on the sets passed in, not on their order. Any event that
// cannot be loaded aborts the resolution; no partial state is returned.
func Resolve(ctx context.Context, rules ir.RoomRules, forks []StateMap, authChains []EventIDSet, fetch EventFetcher) (StateMap, error) {
	if len(forks) == 0 {
		return StateMap{}, nil
	}
	if len(forks) == 1 {
		return forks[0].Clone(), nil
	}
	f := newCachingFetcher(fetch)

	agreed, conflicted := separate(forks)
	if len(conflicted) == 0 {
		return agreed, nil
	}

	// Agreed events that were rejected or soft-failed never re-enter the
	// state.
	agreed, err := dropExcluded(ctx, f, agreed)
	if err != nil {
		return nil, err
	}

	full := authDifference(authChains)
	for _, ids := range conflicted {
		for _, id := range ids {
			full.Add(id)
		}
	}
	for id := range full {
		if ev, err := f.FetchEvent(ctx, id); err != nil || excluded(ev) {
			delete(full, id)
		}
	}
	slog.Debug("resolving state",
		"forks", len(forks),
		"agreed", len(agreed),
		"conflicted_fields", len(conflicted),
		"full_conflicted", len(full),
	)

	var control []string
	for _, id := range full.Sorted() {
		ev, err := f.FetchEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		if isControlEvent(ev) {
			control = append(control, id)
		}
	}

	sortedControl, err := reverseTopologicalPowerSort(ctx, rules, f, control, full)
	if err != nil {
		return nil, err
	}
	resolved, err := iterativeAuth(ctx, rules, f, sortedControl, agreed)
	if err != nil {
		return nil, err
	}

	controlSet := NewEventIDSet(sortedControl...)
	var rest []string
	for _, id := range full.Sorted() {
		if !controlSet.Has(id) {
			rest = append(rest, id)
		}
	}
	plID := resolved[ir.StateField{Type: ir.TypePowerLevels}]
	sortedRest, err := mainlineSort(ctx, f, rest, plID)
	if err != nil {
		return nil, err
	}
	resolved, err = iterativeAuth(ctx, rules, f, sortedRest, resolved)
	if err != nil {
		return nil, err
	}

	for field, id := range agreed {
		resolved[field] = id
	}
	return resolved, nil
}

// separate splits the forks' fields into those every fork agrees on and
// those with differing or missing values.
func separate(forks []StateMap) (StateMap, map[ir.StateField][]string) {
	agreed := make(StateMap)
	conflicted := make(map[ir.StateField][]string)

	fields := make(map[ir.StateField]struct{})
	for _, fork := range forks {
		for f := range fork {
			fields[f] = struct{}{}
		}
	}
	for field := range fields {
		ids := make(EventIDSet)
		missing := false
		for _, fork := range forks {
			id, ok := fork[field]
			if !ok {
				missing = true
				continue
			}
			ids.Add(id)
		}
		if !missing && len(ids) == 1 {
			agreed[field] = ids.Sorted()[0]
			continue
		}
		conflicted[field] = ids.Sorted()
	}
	return agreed, conflicted
}

// excluded reports whether ev may never be part of resolved state.
func excluded(ev *ir.Event) bool {
	return ev.RejectionReason != "" || ev.SoftFailed
}

func dropExcluded(ctx context.Context, f EventFetcher, state StateMap) (StateMap, error) {
	out := make(StateMap, len(state))
	for field, id := range state {
		ev, err := f.FetchEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve: agreed event: %w", err)
		}
		if excluded(ev) {
			continue
		}
		out[field] = id
	}
	return out, nil
}

// authDifference is the union of the chains minus their intersection.
func authDifference(chains []EventIDSet) EventIDSet {
	diff := make(EventIDSet)
	if len(chains) == 0 {
		return diff
	}
	counts := make(map[string]int)
	for _, chain := range chains {
		for id := range chain {
			counts[id]++
		}
	}
	for id, n := range counts {
		if n < len(chains) {
			diff.Add(id)
		}
	}
	return diff
}

// isControlEvent reports whether ev affects who may do what: power levels,
// join rules, create, and kicks or bans of another user.
func isControlEvent(ev *ir.Event) bool {
	switch {
	case ev.IsStateOf(ir.TypePowerLevels, ""),
		ev.IsStateOf(ir.TypeJoinRules, ""),
		ev.IsStateOf(ir.TypeCreate, ""):
		return true
	case ev.Type == ir.TypeMember && ev.StateKey != nil && *ev.StateKey != ev.Sender:
		m := ev.Membership()
		return m == ir.MembershipLeave || m == ir.MembershipBan
	}
	return false
}

// senderPower reads the sender's level from the power-levels event among
// ev's auth events. Without one, the creator has 100.
func senderPower(ctx context.Context, rules ir.RoomRules, f EventFetcher, ev *ir.Event) (int64, error) {
	var create *ir.Event
	for _, aid := range ev.AuthEvents {
		aev, err := f.FetchEvent(ctx, aid)
		if err != nil {
			return 0, fmt.Errorf("resolve: %w", err)
		}
		if aev.IsStateOf(ir.TypePowerLevels, "") {
			pl, err := auth.ParsePowerLevels(rules, aev.Content)
			if err != nil {
				return 0, nil
			}
			return pl.UserLevel(ev.Sender), nil
		}
		if aev.IsStateOf(ir.TypeCreate, "") {
			create = aev
		}
	}
	if create != nil && auth.Creator(rules, create) == ev.Sender {
		return auth.CreatorPower, nil
	}
	return 0, nil
}

type sortKey struct {
	id    string
	power int64
	ts    int64
}

func compareSortKeys(a, b sortKey) int {
	if c := cmp.Compare(b.power, a.power); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ts, b.ts); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// keyHeap orders ready events by power desc, then timestamp, then id.
type keyHeap []sortKey

func (h keyHeap) Len() int           { return len(h) }
func (h keyHeap) Less(i, j int) bool { return compareSortKeys(h[i], h[j]) < 0 }
func (h keyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *keyHeap) Push(x any) {
	*h = append(*h, x.(sortKey))
}

func (h *keyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// reverseTopologicalPowerSort orders the control events, together with
// their auth ancestors inside the full conflicted set, so that every event
// comes after its auth events.
func reverseTopologicalPowerSort(ctx context.Context, rules ir.RoomRules, f EventFetcher, control []string, full EventIDSet) ([]string, error) {
	// graph[id] = auth events of id inside the conflicted set.
	graph := make(map[string]EventIDSet)
	stack := slices.Clone(control)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := graph[id]; seen {
			continue
		}
		edges := make(EventIDSet)
		graph[id] = edges
		ev, err := f.FetchEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		for _, aid := range ev.AuthEvents {
			if full.Has(aid) {
				edges.Add(aid)
				stack = append(stack, aid)
			}
		}
	}

	keys := make(map[string]sortKey, len(graph))
	for id := range graph {
		ev, err := f.FetchEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		power, err := senderPower(ctx, rules, f, ev)
		if err != nil {
			return nil, err
		}
		keys[id] = sortKey{id: id, power: power, ts: ev.OriginServerTS}
	}

	// Kahn's algorithm over reversed auth edges.
	outDegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))
	for id, edges := range graph {
		outDegree[id] = len(edges)
		for aid := range edges {
			dependents[aid] = append(dependents[aid], id)
		}
	}
	ready := &keyHeap{}
	for id, n := range outDegree {
		if n == 0 {
			*ready = append(*ready, keys[id])
		}
	}
	heap.Init(ready)

	out := make([]string, 0, len(graph))
	for ready.Len() > 0 {
		k := heap.Pop(ready).(sortKey)
		out = append(out, k.id)
		for _, dep := range dependents[k.id] {
			outDegree[dep]--
			if outDegree[dep] == 0 {
				heap.Push(ready, keys[dep])
			}
		}
	}
	if len(out) != len(graph) {
		return nil, fmt.Errorf("resolve: auth graph has a cycle")
	}
	return out, nil
}

// mainlineSort orders events by the position of their closest power-levels
// ancestor on the mainline of plID, then timestamp, then id.
func mainlineSort(ctx context.Context, f EventFetcher, ids []string, plID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var mainline []string
	for cur := plID; cur != ""; {
		mainline = append(mainline, cur)
		ev, err := f.FetchEvent(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("resolve: mainline: %w", err)
		}
		next, err := powerLevelsParent(ctx, f, ev)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	// Oldest mainline event has position 0.
	position := make(map[string]int, len(mainline))
	for i, id := range mainline {
		position[id] = len(mainline) - 1 - i
	}

	type ordered struct {
		id    string
		depth int
		ts    int64
	}
	items := make([]ordered, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := f.FetchEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		depth, err := mainlineDepth(ctx, f, ev, position)
		if err != nil {
			return nil, err
		}
		items = append(items, ordered{id: id, depth: depth, ts: ev.OriginServerTS})
	}
	slices.SortFunc(items, func(a, b ordered) int {
		if c := cmp.Compare(a.depth, b.depth); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ts, b.ts); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out, nil
}

func powerLevelsParent(ctx context.Context, f EventFetcher, ev *ir.Event) (string, error) {
	for _, aid := range ev.AuthEvents {
		aev, err := f.FetchEvent(ctx, aid)
		if err != nil {
			return "", fmt.Errorf("resolve: %w", err)
		}
		if aev.IsStateOf(ir.TypePowerLevels, "") {
			return aid, nil
		}
	}
	return "", nil
}

func mainlineDepth(ctx context.Context, f EventFetcher, ev *ir.Event, position map[string]int) (int, error) {
	cur := ev
	for cur != nil {
		if pos, ok := position[cur.EventID]; ok {
			return pos, nil
		}
		parent, err := powerLevelsParent(ctx, f, cur)
		if err != nil {
			return 0, err
		}
		if parent == "" {
			break
		}
		cur, err = f.FetchEvent(ctx, parent)
		if err != nil {
			return 0, fmt.Errorf("resolve: %w", err)
		}
	}
	return 0, nil
}

// iterativeAuth applies events in order on top of base, keeping each event
// that passes authorization against its auth events overlaid with the
// state accumulated so far.
func iterativeAuth(ctx context.Context, rules ir.RoomRules, f EventFetcher, ids []string, base StateMap) (StateMap, error) {
	resolved := base.Clone()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := f.FetchEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		if !ev.IsState() {
			continue
		}

		authState := make(auth.EventsState)
		for _, aid := range ev.AuthEvents {
			aev, err := f.FetchEvent(ctx, aid)
			if err != nil {
				return nil, fmt.Errorf("resolve: auth event: %w", err)
			}
			if aev.IsState() {
				authState[aev.Field()] = aev
			}
		}
		for _, field := range auth.AuthTypesForEvent(rules, ev) {
			rid, ok := resolved[field]
			if !ok {
				continue
			}
			rev, err := f.FetchEvent(ctx, rid)
			if err != nil {
				return nil, fmt.Errorf("resolve: %w", err)
			}
			authState[field] = rev
		}

		if err := auth.Check(rules, ev, authState); err != nil {
			slog.Debug("state resolution dropped event", "event_id", id, "reason", err)
			continue
		}
		resolved[ev.Field()] = id
	}
	return resolved, nil
}
