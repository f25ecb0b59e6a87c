package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventTransition, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventTransition, EventSubmission},
	}}

	if !h.shouldSend(client, &Event{Type: EventTransition}) {
		t.Error("Should receive transition events")
	}
	if !h.shouldSend(client, &Event{Type: EventSubmission}) {
		t.Error("Should receive submission events")
	}
	if h.shouldSend(client, &Event{Type: EventCreated}) {
		t.Error("Should NOT receive created events")
	}
}

func TestShouldSend_RoutingFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Roles:                 []string{"buyer"},
		BlockchainIdentifiers: []string{"tok-1"},
	}}

	tests := []struct {
		name  string
		event *Event
		want  bool
	}{
		{"matching", &Event{Type: EventTransition, Role: "buyer", BlockchainIdentifier: "tok-1"}, true},
		{"other role", &Event{Type: EventTransition, Role: "seller", BlockchainIdentifier: "tok-1"}, false},
		{"other escrow", &Event{Type: EventTransition, Role: "buyer", BlockchainIdentifier: "tok-2"}, false},
	}
	for _, tt := range tests {
		if got := h.shouldSend(client, tt.event); got != tt.want {
			t.Errorf("%s: shouldSend = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestShouldSend_PaymentSourceFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{PaymentSources: []string{"preprod-1"}}}

	if !h.shouldSend(client, &Event{Type: EventSubmission, PaymentSourceID: "preprod-1"}) {
		t.Error("Should match configured source")
	}
	if h.shouldSend(client, &Event{Type: EventSubmission, PaymentSourceID: "mainnet-1"}) {
		t.Error("Should NOT match other sources")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: EventTransition, Role: "seller"}) {
		t.Error("Empty subscription should receive everything")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventTransition, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventTransition,
		Timestamp: time.Now(),
		Data:      Created{Role: "buyer", RequestID: "pur_1"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_PublishTransition(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventTransition}, Roles: []string{"seller"}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.PublishSubmission(Submission{Role: "seller", TxHash: "0x1"})
	h.PublishTransition(Transition{
		Role:                 "seller",
		RequestID:            "pay_1",
		BlockchainIdentifier: "tok-1",
		From:                 "WithdrawInitiated",
		To:                   "None",
		OnChainState:         "Withdrawn",
	})

	select {
	case msg := <-client.send:
		var got struct {
			Type EventType  `json:"type"`
			Data Transition `json:"data"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if got.Type != EventTransition || got.Data.To != "None" || got.Data.BlockchainIdentifier != "tok-1" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for transition")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants milestones
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventSubmission}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a transaction event (should be filtered out)
	h.Broadcast(&Event{Type: EventTransition, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive transaction event")
	default:
		// Good - filtered out
	}

	// Send a milestone event (should be received)
	h.Broadcast(&Event{Type: EventSubmission, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive milestone event")
	}
}
