package tenantsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestClientEndToEndLiveAndPullConverge(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched := NewManualScheduler(start)
	transport := newFakeTransport()
	puller := &fakePuller{}

	tokenExpiries := []time.Duration{10 * time.Minute, time.Hour}
	var tokenMu sync.Mutex
	tokenCalls := 0
	client, err := New(Options{
		TokenSource: func(context.Context) (string, error) {
			tokenMu.Lock()
			defer tokenMu.Unlock()
			expiry := tokenExpiries[len(tokenExpiries)-1]
			if tokenCalls < len(tokenExpiries) {
				expiry = tokenExpiries[tokenCalls]
			}
			tokenCalls++
			return tenantToken(t, "acme", start.Add(expiry)), nil
		},
		Transport: transport,
		Puller:    puller,
		Scheduler: sched,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if client.State() != StateConnected {
		t.Fatalf("expected connected client, got %v", client.State())
	}

	handle, err := client.Subscribe(context.Background(), "acme", "tickets", nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if handle.State() != HandleSubscribed {
		t.Fatalf("expected subscribed handle, got %v", handle.State())
	}
	puller.mu.Lock()
	if len(puller.since) != 1 || !puller.since[0].IsZero() {
		t.Fatalf("expected one full initial pull, got %v", puller.since)
	}
	puller.mu.Unlock()

	// A live insert lands in the local view.
	transport.inject <- notificationJSON("evt_1", "acme", "tickets", "inserted", "T1", 1)
	waitFor(t, "live insert visible", func() bool {
		records := client.Records("acme", "tickets")
		return len(records) == 1 && records[0].Record.Version == 1
	})

	// A duplicate delivery of the same event changes nothing.
	transport.inject <- notificationJSON("evt_1", "acme", "tickets", "inserted", "T1", 1)
	waitFor(t, "duplicate logged", func() bool { return len(client.RecentEvents()) == 2 })
	if records := client.Records("acme", "tickets"); len(records) != 1 || records[0].Record.Version != 1 {
		t.Fatalf("duplicate must not change the view, got %+v", records)
	}

	// The credential refresh fires five minutes before expiry, in place.
	sched.Advance(5 * time.Minute)
	waitFor(t, "in-place credential refresh", func() bool { return transport.updateCount() == 1 })
	if transport.dialCount() != 1 {
		t.Fatalf("refresh must not redial, dials=%d", transport.dialCount())
	}

	// After a transport drop, reconnect resubscribes and pulls; the
	// pulled version 2 supersedes the live version 1.
	syncedAt := start.Add(6 * time.Minute)
	puller.mu.Lock()
	puller.records = []CachedRecord{{
		TenantID:   "acme",
		EntityType: "tickets",
		ID:         "T1",
		Payload:    []byte(`{"status":"closed"}`),
		Version:    2,
	}}
	puller.syncedAt = syncedAt
	puller.mu.Unlock()

	transport.inject <- error(errors.New("connection reset"))
	waitFor(t, "reconnect, resubscribe, catch-up pull", func() bool {
		if transport.dialCount() != 2 || transport.subCount() != 2 {
			return false
		}
		records := client.Records("acme", "tickets")
		return len(records) == 1 && records[0].Record.Version == 2
	})

	// A stale live echo of version 1 loses; the pulled state survives.
	transport.inject <- notificationJSON("evt_1b", "acme", "tickets", "updated", "T1", 1)
	waitFor(t, "stale echo logged as discarded", func() bool {
		for _, entry := range client.RecentEvents() {
			if entry.Event.EventID == "evt_1b" && entry.Note == logNoteConflictDiscarded {
				return true
			}
		}
		return false
	})
	if records := client.Records("acme", "tickets"); records[0].Record.Version != 2 {
		t.Fatalf("stale echo must not regress the view, got %+v", records[0].Record)
	}
}

func TestClientOptimisticWriteConfirmedByLiveEcho(t *testing.T) {
	sched := NewManualScheduler(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	transport := newFakeTransport()
	client, err := New(Options{
		TokenSource: func(context.Context) (string, error) {
			return tenantToken(t, "acme", time.Now().Add(time.Hour)), nil
		},
		Transport: transport,
		Scheduler: sched,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	defer client.Stop()
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := client.Subscribe(context.Background(), "acme", "tickets", nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	failed := false
	correlationID, err := client.ApplyOptimistic(CachedRecord{
		TenantID:   "acme",
		EntityType: "tickets",
		ID:         "local_T2",
		Payload:    []byte(`{"status":"draft"}`),
	}, func(CachedRecord, error) { failed = true })
	if err != nil {
		t.Fatalf("apply optimistic failed: %v", err)
	}
	records := client.Records("acme", "tickets")
	if len(records) != 1 || !records[0].Pending {
		t.Fatalf("expected pending local write, got %+v", records)
	}

	echo := notificationJSON("evt_2", "acme", "tickets", "inserted", "T2", 1)
	echo = []byte(string(echo[:len(echo)-1]) + `,"correlationId":"` + correlationID + `"}`)
	transport.inject <- echo
	waitFor(t, "optimistic write confirmed", func() bool {
		records := client.Records("acme", "tickets")
		return len(records) == 1 && !records[0].Pending && records[0].Record.ID == "T2"
	})

	sched.Advance(time.Minute)
	if failed {
		t.Fatalf("confirmed optimistic write must not be retracted")
	}
}

func TestClientStopIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	client, err := New(Options{
		TokenSource: func(context.Context) (string, error) {
			return tenantToken(t, "acme", time.Now().Add(time.Hour)), nil
		},
		Transport: transport,
		Scheduler: NewManualScheduler(time.Now()),
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if err := client.Start(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed after stop, got %v", err)
	}
}

func TestClientRequiresTokenSource(t *testing.T) {
	if _, err := New(Options{Transport: newFakeTransport()}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input without token source, got %v", err)
	}
	if _, err := New(Options{TokenSource: func(context.Context) (string, error) { return "", nil }}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input without transport or URL, got %v", err)
	}
}
