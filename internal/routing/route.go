package routing

import (
	"net/http"
	"sort"

	"bifrostbridge/internal/config"
)

// CompiledRoute is a config.Route with its predicates compiled and reordered
// cheap-first, ready for repeated evaluation against inbound requests.
type CompiledRoute struct {
	Source     *config.Route
	predicates []compiledPredicate
}

// Matches evaluates every predicate in cost order, short-circuiting on the
// first failure (spec.md §9: AND semantics across a route's predicate list;
// an empty predicate list always matches).
func (cr *CompiledRoute) Matches(r *http.Request) (bool, *AttributeBag) {
	bag := &AttributeBag{}
	for _, p := range cr.predicates {
		if !p.eval(r, bag) {
			return false, nil
		}
	}
	return true, bag
}

// Matcher holds a route table compiled and sorted once at config load, and
// matches inbound requests in ascending priority, declaration-order tiebreak
// (spec.md §3: "routes are evaluated in ascending priority order; routes
// with equal priority are evaluated in declaration order").
type Matcher struct {
	routes []*CompiledRoute
}

// Compile builds a Matcher from a config document's route list.
func Compile(routes []config.Route) (*Matcher, error) {
	// Weight groups are shared across routes (spec.md §4.1: proportional
	// selection *among routes sharing a group*), so totals and cumulative
	// offsets are computed once over the whole route list before any single
	// route is compiled, then threaded through in route declaration order.
	groupTotals := map[string]int{}
	for _, route := range routes {
		for _, p := range route.Predicates {
			if p.Kind == config.PredWeight {
				groupTotals[p.WeightGroup] += p.Weight
			}
		}
	}
	groupOffsets := map[string]int{}

	compiled := make([]*CompiledRoute, len(routes))
	for i := range routes {
		cr, err := compileRoute(&routes[i], groupTotals, groupOffsets)
		if err != nil {
			return nil, err
		}
		compiled[i] = cr
	}
	// Stable sort preserves declaration order among equal priorities.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Source.Priority < compiled[j].Source.Priority
	})
	return &Matcher{routes: compiled}, nil
}

// Match returns the first route (in priority/declaration order) whose
// predicates all pass, or nil if none match (caller responds 404).
func (m *Matcher) Match(r *http.Request) (*CompiledRoute, *AttributeBag) {
	for _, route := range m.routes {
		if ok, bag := route.Matches(r); ok {
			return route, bag
		}
	}
	return nil, nil
}

// compileRoute compiles a single route's predicates. groupTotals and
// groupOffsets are shared across every route passed to Compile in the same
// call: groupTotals holds each weight group's total across the whole route
// list, and groupOffsets tracks the cumulative weight already assigned to
// that group by routes compiled so far, so routes sharing a group partition
// a single [0, total) bucket space instead of each claiming [0, own-weight).
func compileRoute(route *config.Route, groupTotals, groupOffsets map[string]int) (*CompiledRoute, error) {
	cr := &CompiledRoute{Source: route}

	for _, p := range route.Predicates {
		if p.Kind == config.PredWeight {
			total := groupTotals[p.WeightGroup]
			offset := groupOffsets[p.WeightGroup]
			groupOffsets[p.WeightGroup] = offset + p.Weight
			cr.predicates = append(cr.predicates, compileWeightPredicate(p.WeightGroup, p.Weight, offset, total))
			continue
		}
		cp, err := compilePredicate(p)
		if err != nil {
			return nil, err
		}
		cr.predicates = append(cr.predicates, cp)
	}

	sort.SliceStable(cr.predicates, func(i, j int) bool {
		return cr.predicates[i].cost < cr.predicates[j].cost
	})

	return cr, nil
}
