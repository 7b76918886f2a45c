package realtime_test

import (
	"testing"
	"time"

	"github.com/duecall/duecall/internal/realtime"
	"github.com/duecall/duecall/internal/testutil"
)

func TestSubscribeAndPublish(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	client := hub.Subscribe("job-1")
	defer hub.Unsubscribe(client.ID)

	testutil.Equal(t, 1, hub.ClientCount())
	testutil.True(t, client.ID != "", "client should have an ID")

	hub.Publish(&realtime.Event{
		Event:  "job_update",
		JobID:  "job-1",
		Status: "running",
	})

	select {
	case event := <-client.Events():
		testutil.Equal(t, "job_update", event.Event)
		testutil.Equal(t, "job-1", event.JobID)
		testutil.Equal(t, "running", event.Status)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishToOtherJobNotDelivered(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	client := hub.Subscribe("job-1")
	defer hub.Unsubscribe(client.ID)

	hub.Publish(&realtime.Event{Event: "job_update", JobID: "job-2", Status: "completed"})

	select {
	case <-client.Events():
		t.Fatal("should not receive event for a different job")
	case <-time.After(10 * time.Millisecond):
		// Expected: no event received.
	}
}

func TestUnsubscribeRemovesClient(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	client := hub.Subscribe("job-1")
	testutil.Equal(t, 1, hub.ClientCount())

	hub.Unsubscribe(client.ID)
	testutil.Equal(t, 0, hub.ClientCount())

	// Channel should be closed.
	_, ok := <-client.Events()
	testutil.False(t, ok, "channel should be closed after unsubscribe")
}

func TestUnsubscribeIdempotent(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	client := hub.Subscribe("job-1")
	hub.Unsubscribe(client.ID)
	hub.Unsubscribe(client.ID) // Should not panic.
	testutil.Equal(t, 0, hub.ClientCount())
}

func TestMultipleClients(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	c1 := hub.Subscribe("job-1")
	defer hub.Unsubscribe(c1.ID)
	c2 := hub.Subscribe("job-1")
	defer hub.Unsubscribe(c2.ID)
	c3 := hub.Subscribe("job-2")
	defer hub.Unsubscribe(c3.ID)

	testutil.Equal(t, 3, hub.ClientCount())

	hub.Publish(&realtime.Event{Event: "job_update", JobID: "job-1", Status: "running"})

	// c1 and c2 watch job-1.
	for _, c := range []*realtime.Client{c1, c2} {
		select {
		case event := <-c.Events():
			testutil.Equal(t, "job-1", event.JobID)
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("client %s should receive the job-1 event", c.ID)
		}
	}

	// c3 watches job-2.
	select {
	case <-c3.Events():
		t.Fatal("c3 should not receive the job-1 event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	client := hub.Subscribe("job-1")
	defer hub.Unsubscribe(client.ID)

	statuses := []string{"queued", "running", "completed"}
	for _, status := range statuses {
		hub.Publish(&realtime.Event{Event: "job_update", JobID: "job-1", Status: status})
	}

	for _, want := range statuses {
		select {
		case got := <-client.Events():
			testutil.Equal(t, want, got.Status)
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestClientIDsAreUnique(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	c1 := hub.Subscribe("job-1")
	c2 := hub.Subscribe("job-1")
	defer hub.Unsubscribe(c1.ID)
	defer hub.Unsubscribe(c2.ID)

	testutil.NotEqual(t, c1.ID, c2.ID)
}

func TestPublishNoClientsIsNoop(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	// Should not panic.
	hub.Publish(&realtime.Event{Event: "job_update", JobID: "job-1", Status: "running"})
}

func TestBufferFullDropsEvent(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	client := hub.Subscribe("job-1")
	defer hub.Unsubscribe(client.ID)

	// Fill the 256-event buffer.
	for i := 0; i < 256; i++ {
		hub.Publish(&realtime.Event{Event: "job_update", JobID: "job-1", Status: "running"})
	}

	// The 257th event should be dropped (non-blocking), not block the publisher.
	hub.Publish(&realtime.Event{Event: "job_update", JobID: "job-1", Status: "completed"})

	// Drain and verify we got exactly 256 events.
	count := 0
	for count < 256 {
		select {
		case <-client.Events():
			count++
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("expected 256 events, got %d", count)
		}
	}

	// Channel should be empty now (the 257th was dropped).
	select {
	case <-client.Events():
		t.Fatal("should not receive the dropped event")
	case <-time.After(10 * time.Millisecond):
		// Expected.
	}
}

func TestCloseDisconnectsAllClients(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	c1 := hub.Subscribe("job-1")
	c2 := hub.Subscribe("job-2")
	testutil.Equal(t, 2, hub.ClientCount())

	hub.Close()
	testutil.Equal(t, 0, hub.ClientCount())

	// Both client channels should be closed.
	_, ok1 := <-c1.Events()
	testutil.False(t, ok1, "c1 channel should be closed")
	_, ok2 := <-c2.Events()
	testutil.False(t, ok2, "c2 channel should be closed")
}

func TestCloseIdempotent(t *testing.T) {
	hub := realtime.NewHub(testutil.DiscardLogger())

	hub.Subscribe("job-1")
	hub.Close()
	hub.Close() // Should not panic.
	testutil.Equal(t, 0, hub.ClientCount())
}
