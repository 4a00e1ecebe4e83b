package events

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var testDay = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(p Provider, timeout time.Duration) *Service {
	s := NewService(p, timeout, time.UTC, zerolog.Nop())
	s.SetClock(func() time.Time { return testDay })
	return s
}

func TestFetchWithoutCredentialIsDegraded(t *testing.T) {
	t.Parallel()
	for _, limit := range []int{1, 2, 10} {
		limit := limit
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			t.Parallel()
			res := newTestService(nil, 0).FetchTodayEvents(context.Background(), limit)
			if !res.Degraded || res.Reason == "" {
				t.Fatalf("result not flagged degraded: %+v", res)
			}
			if len(res.Events) == 0 {
				t.Fatal("sample list is empty")
			}
			if len(res.Events) > limit {
				t.Fatalf("got %d events, limit %d", len(res.Events), limit)
			}
			for _, e := range res.Events {
				if e.Source != SourceSample {
					t.Fatalf("event %q source = %q, want %q", e.Title, e.Source, SourceSample)
				}
			}
		})
	}
}

type stubProvider struct {
	events []Event
	err    error
	delay  time.Duration
}

func (p stubProvider) Name() string { return "stub" }

func (p stubProvider) Events(ctx context.Context, day time.Time, limit int) ([]Event, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.events, p.err
}

func TestFetchFallsBackOnProviderError(t *testing.T) {
	t.Parallel()
	res := newTestService(stubProvider{err: errors.New("boom")}, 0).FetchTodayEvents(context.Background(), 5)
	if !res.Degraded || len(res.Events) == 0 {
		t.Fatalf("expected sample fallback, got %+v", res)
	}
}

func TestFetchFallsBackOnTimeout(t *testing.T) {
	t.Parallel()
	p := stubProvider{delay: time.Second, events: []Event{{Title: "late"}}}
	start := time.Now()
	res := newTestService(p, 20*time.Millisecond).FetchTodayEvents(context.Background(), 5)
	if !res.Degraded {
		t.Fatalf("expected degraded result, got %+v", res)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("provider timeout not applied")
	}
}

func TestFetchLiveTruncates(t *testing.T) {
	t.Parallel()
	p := stubProvider{events: []Event{{Title: "a"}, {Title: "b"}, {Title: "c"}}}
	res := newTestService(p, 0).FetchTodayEvents(context.Background(), 2)
	if res.Degraded {
		t.Fatalf("live result flagged degraded: %+v", res)
	}
	if len(res.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(res.Events))
	}
}

func TestEventbrite(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
		want    int
	}{
		{
			name:   "ok",
			status: http.StatusOK,
			body: `{"events":[
				{"id":"1","name":{"text":"Go meetup"},"start":{"local":"2026-03-01T18:00:00"},"url":"https://e/1"},
				{"id":"2","name":{"text":"Rust night"},"start":{"local":"2026-03-01T19:30:00"},"url":"https://e/2"}
			]}`,
			want: 2,
		},
		{name: "empty", status: http.StatusOK, body: `{"events":[]}`, want: 0},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"bad token"}`, wantErr: true},
		{name: "malformed", status: http.StatusOK, body: `{"events":`, wantErr: true},
		{name: "no events key", status: http.StatusOK, body: `{}`, wantErr: true},
		{name: "null body", status: http.StatusOK, body: `null`, wantErr: true},
		{name: "null events", status: http.StatusOK, body: `{"events":null}`, wantErr: true},
		{name: "bad start", status: http.StatusOK, body: `{"events":[{"id":"1","name":{"text":"x"},"start":{"local":"soon"}}]}`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer token" {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				if r.URL.Path != "/events" || r.URL.Query().Get("date") != "2026-03-01" || r.URL.Query().Get("limit") != "5" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			events, err := NewEventbrite(server.URL+"/", "token").Events(context.Background(), testDay, 5)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(events) != tt.want {
				t.Fatalf("got %d events, want %d", len(events), tt.want)
			}
			for _, e := range events {
				if e.Source != SourceEventbrite || !strings.HasPrefix(e.Id, "eb_") {
					t.Fatalf("unexpected event %+v", e)
				}
			}
		})
	}
}

func TestEventbriteFailureDegradesService(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	res := newTestService(NewEventbrite(server.URL, "token"), time.Second).FetchTodayEvents(context.Background(), 3)
	if !res.Degraded || len(res.Events) == 0 || res.Events[0].Source != SourceSample {
		t.Fatalf("expected sample fallback, got %+v", res)
	}
}

func TestEventbriteEmptyObjectDegradesService(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	res := newTestService(NewEventbrite(server.URL, "token"), time.Second).FetchTodayEvents(context.Background(), 3)
	if !res.Degraded || len(res.Events) == 0 {
		t.Fatalf("expected sample fallback for body without events, got %+v", res)
	}
}
