package routing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bifrostbridge/internal/config"
)

func TestMatcherPicksByPriorityThenDeclarationOrder(t *testing.T) {
	routes := []config.Route{
		{ID: "low-prio-second", Priority: 5, Predicates: []config.Predicate{
			{Kind: config.PredPath, PathPatterns: []string{"/**"}},
		}},
		{ID: "low-prio-first", Priority: 5, Predicates: []config.Predicate{
			{Kind: config.PredPath, PathPatterns: []string{"/**"}},
		}},
		{ID: "high-prio", Priority: 1, Predicates: []config.Predicate{
			{Kind: config.PredPath, PathPatterns: []string{"/**"}},
		}},
	}
	m, err := Compile(routes)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	route, _ := m.Match(req)
	if route == nil || route.Source.ID != "high-prio" {
		t.Fatalf("expected high-prio route to win, got %+v", route)
	}

	m2, err := Compile(routes[:2])
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	route2, _ := m2.Match(req)
	if route2 == nil || route2.Source.ID != "low-prio-second" {
		t.Fatalf("expected declaration-order tiebreak to pick low-prio-second, got %+v", route2)
	}
}

func TestMatcherNoMatchReturnsNil(t *testing.T) {
	routes := []config.Route{
		{ID: "api", Predicates: []config.Predicate{
			{Kind: config.PredPath, PathPatterns: []string{"/api/**"}},
		}},
	}
	m, err := Compile(routes)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	route, _ := m.Match(req)
	if route != nil {
		t.Fatalf("expected no match, got %+v", route)
	}
}

func TestMatcherANDsAllPredicates(t *testing.T) {
	routes := []config.Route{
		{ID: "api-post", Predicates: []config.Predicate{
			{Kind: config.PredPath, PathPatterns: []string{"/api/**"}},
			{Kind: config.PredMethod, Methods: []string{"POST"}},
		}},
	}
	m, err := Compile(routes)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	get := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	if route, _ := m.Match(get); route != nil {
		t.Fatal("GET should not match a route requiring POST")
	}
	post := httptest.NewRequest(http.MethodPost, "/api/widgets", nil)
	if route, _ := m.Match(post); route == nil {
		t.Fatal("POST /api/widgets should match")
	}
}

func TestMatcherCapturesPathVariables(t *testing.T) {
	routes := []config.Route{
		{ID: "users", Predicates: []config.Predicate{
			{Kind: config.PredPath, PathPatterns: []string{"/users/{id}"}},
		}},
	}
	m, err := Compile(routes)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/users/99", nil)
	route, bag := m.Match(req)
	if route == nil {
		t.Fatal("expected match")
	}
	if bag.PathCaptures["id"] != "99" {
		t.Fatalf("captures = %v, want id=99", bag.PathCaptures)
	}
}

func TestWeightGroupDistributionIsProportional(t *testing.T) {
	routes := []config.Route{
		{ID: "stable", Predicates: []config.Predicate{
			{Kind: config.PredWeight, WeightGroup: "canary", Weight: 9},
		}},
		{ID: "canary", Predicates: []config.Predicate{
			{Kind: config.PredWeight, WeightGroup: "canary", Weight: 1},
		}},
	}
	m, err := Compile(routes)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	counts := map[string]int{}
	const n = 2000
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Request-ID", requestIDFor(i))
		route, _ := m.Match(req)
		if route != nil {
			counts[route.Source.ID]++
		}
	}
	if counts["stable"]+counts["canary"] != n {
		t.Fatalf("expected every request to match exactly one weight branch, got %v", counts)
	}
	ratio := float64(counts["stable"]) / float64(n)
	if ratio < 0.8 || ratio > 0.97 {
		t.Fatalf("stable branch ratio = %v, want roughly 0.9", ratio)
	}
}

func requestIDFor(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}
