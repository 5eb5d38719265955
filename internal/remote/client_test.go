package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
	"github.com/mmcdole/dailybrief/internal/log"
)

var _ domain.ContentClient = (*Client)(nil)

func newTestClient(baseURL string) *Client {
	return NewClient(baseURL, "test-token", time.Second, log.NullLogger())
}

func testItem() domain.SyncQueueItem {
	return domain.SyncQueueItem{
		Seq:        1,
		ID:         "11111111-2222-3333-4444-555555555555",
		ContentID:  "brief-2024-06-10",
		Type:       domain.InteractionTap,
		OccurredAt: time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC),
		Payload:    map[string]string{"surface": "tile"},
	}
}

func TestFetchTodayMapsPayload(t *testing.T) {
	// Raw body, not a marshaled briefPayload: the endpoint's key names
	// are part of the contract and must not track our struct tags.
	raw := []byte(`{
		"content_date": "2024-06-10",
		"title": "Walk after meals",
		"summary": "A short walk blunts glucose spikes.",
		"body": "Longer form text.",
		"topic_category": "exercise",
		"confidence_score": 0.92,
		"published_at": "2024-06-10T02:00:00Z"
	}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s", r.Method)
		}
		if r.URL.Path != "/content/today" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("auth header mismatch: %q", got)
		}
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	rec, err := newTestClient(srv.URL).FetchToday(context.Background())
	if err != nil {
		t.Fatalf("FetchToday: %v", err)
	}

	if rec.ID != "brief-2024-06-10" {
		t.Errorf("ID = %q", rec.ID)
	}
	if rec.ContentDate != domain.NewDate(2024, time.June, 10) {
		t.Errorf("ContentDate = %s", rec.ContentDate)
	}
	if rec.Title != "Walk after meals" {
		t.Errorf("Title = %q", rec.Title)
	}
	if rec.Topic != domain.TopicExercise {
		t.Errorf("Topic = %s", rec.Topic)
	}
	if rec.Confidence != 0.92 {
		t.Errorf("Confidence = %v", rec.Confidence)
	}
	if !rec.PublishedAt.Equal(time.Date(2024, time.June, 10, 2, 0, 0, 0, time.UTC)) {
		t.Errorf("PublishedAt = %s", rec.PublishedAt)
	}
	if rec.SizeBytes != int64(len(raw)) {
		t.Errorf("SizeBytes = %d, want %d", rec.SizeBytes, len(raw))
	}
}

func TestFetchTodayUnknownTopicDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(briefPayload{
			ContentDate: "2024-06-10",
			Title:       "New topic",
			Topic:       "mindfulness",
			Confidence:  0.5,
		})
	}))
	defer srv.Close()

	rec, err := newTestClient(srv.URL).FetchToday(context.Background())
	if err != nil {
		t.Fatalf("FetchToday: %v", err)
	}
	if rec.Topic != domain.TopicLifestyle {
		t.Errorf("Topic = %s, want lifestyle", rec.Topic)
	}
}

func TestFetchTodayServerOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestClient(srv.URL).FetchToday(context.Background())
	if !errors.Is(err, domain.ErrServerOffline) {
		t.Fatalf("expected ErrServerOffline, got %v", err)
	}
}

func TestFetchTodayAuthFailure(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := newTestClient(srv.URL).FetchToday(context.Background())
		srv.Close()
		if !errors.Is(err, domain.ErrAuthFailed) {
			t.Fatalf("status %d: expected ErrAuthFailed, got %v", status, err)
		}
	}
}

func TestFetchTodayUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchToday(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, domain.ErrServerOffline) || errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("5xx must stay a plain fetch failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "unexpected status code") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFetchTodayRejectsInvalidRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(briefPayload{
			ContentDate: "not-a-date",
			Title:       "Broken",
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchToday(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "map brief") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFetchTodayMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content_date":`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchToday(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "failed to parse response") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSubmitInteractionSendsWireForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s", r.Method)
		}
		if r.URL.Path != "/content/interactions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("content type = %q", got)
		}

		// Decode into a plain map so the wire key names themselves
		// are checked, not just the round-trip.
		var p map[string]any
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if p["id"] != "11111111-2222-3333-4444-555555555555" {
			t.Fatalf("id = %v", p["id"])
		}
		if p["content_id"] != "brief-2024-06-10" {
			t.Fatalf("content id = %v", p["content_id"])
		}
		if p["interaction_type"] != "tap" {
			t.Fatalf("interaction type = %v", p["interaction_type"])
		}
		if _, ok := p["occurred_at"]; !ok {
			t.Fatal("missing occurred_at")
		}
		attrs, _ := p["attributes"].(map[string]any)
		if attrs["surface"] != "tile" {
			t.Fatalf("attributes = %v", p["attributes"])
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).SubmitInteraction(context.Background(), testItem()); err != nil {
		t.Fatalf("SubmitInteraction: %v", err)
	}
}

func TestSubmitInteractionDuplicateIsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).SubmitInteraction(context.Background(), testItem()); err != nil {
		t.Fatalf("409 must count as delivered, got %v", err)
	}
}

func TestSubmitInteractionClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		class  domain.FailureClass
	}{
		{http.StatusUnauthorized, domain.FailureFatal},
		{http.StatusForbidden, domain.FailureFatal},
		{http.StatusBadRequest, domain.FailureRejected},
		{http.StatusUnprocessableEntity, domain.FailureRejected},
		{http.StatusInternalServerError, domain.FailureTransient},
		{http.StatusServiceUnavailable, domain.FailureTransient},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		err := newTestClient(srv.URL).SubmitInteraction(context.Background(), testItem())
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}

		var se *domain.SubmitError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: expected SubmitError, got %v", tc.status, err)
		}
		if se.Class != tc.class {
			t.Errorf("status %d: class = %s, want %s", tc.status, se.Class, tc.class)
		}
		if se.Status != tc.status {
			t.Errorf("status %d: recorded status = %d", tc.status, se.Status)
		}
	}
}

func TestSubmitInteractionTransportIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := newTestClient(srv.URL).SubmitInteraction(context.Background(), testItem())
	if !errors.Is(err, domain.ErrServerOffline) {
		t.Fatalf("expected ErrServerOffline, got %v", err)
	}
	if got := domain.ClassifyError(err); got != domain.FailureTransient {
		t.Fatalf("class = %s, want transient", got)
	}
}

func TestSubmitInteractionFatalClassifiesAsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).SubmitInteraction(context.Background(), testItem())
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("fatal submit error must unwrap to ErrAuthFailed, got %v", err)
	}
	if got := domain.ClassifyError(err); got != domain.FailureFatal {
		t.Fatalf("class = %s, want fatal", got)
	}
}
