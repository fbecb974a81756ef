package lending

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

func waitForClients(t *testing.T, h *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", want, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_BroadcastsPositionEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pos := &model.DebtPosition{
		ID:               7,
		Borrower:         "alice",
		CollateralLocked: decimal.NewFromInt(600_000),
		TotalOwed:        decimal.NewFromInt(500_500),
		AmountRepaid:     decimal.NewFromInt(200_200),
		Status:           model.StatusActive,
		Expiry:           now.Add(time.Hour),
	}
	ev := &model.PositionEvent{
		ID:               "ev-1",
		PositionID:       7,
		Kind:             model.EventRepay,
		Actor:            "alice",
		DebtAmount:       decimal.NewFromInt(200_200),
		CollateralAmount: decimal.NewFromInt(400_000),
		Timestamp:        now,
	}
	hub.Broadcast(newWSMessage(pos, ev))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "position_repay" || msg.PositionID != 7 || msg.Outstanding != "300300" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Bonus != "" || msg.Shortfall != "" {
		t.Errorf("repay messages carry no liquidation fields: %+v", msg)
	}

	// Shutting the hub down disconnects clients.
	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close on shutdown")
	}
}
