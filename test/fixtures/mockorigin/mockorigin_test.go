package mockorigin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFlakyEndpointFailsUntilConfiguredAttempt(t *testing.T) {
	srv := httptest.NewServer(New(Options{FailUntilAttempt: 3}))
	defer srv.Close()

	var lastStatus int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/flaky")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		lastStatus = resp.StatusCode
		resp.Body.Close()
	}
	if lastStatus != http.StatusOK {
		t.Fatalf("status on 3rd attempt = %d, want 200 once FailUntilAttempt is reached", lastStatus)
	}
}

func TestItemsListReturnsOK(t *testing.T) {
	srv := httptest.NewServer(New(Options{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/items")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthzReportsOK(t *testing.T) {
	srv := httptest.NewServer(New(Options{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
