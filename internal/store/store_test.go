package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestStoreRuntimeStatusRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	started := time.Now().UTC().Add(-time.Minute)
	disc := time.Now().UTC().Add(-10 * time.Second)
	in := RuntimeStatus{
		Symbol:            "XRPUSDT",
		InstanceID:        "bot1",
		PID:               1234,
		State:             "degraded",
		StartedAt:         started,
		LastError:         "dial timeout",
		ReconnectAttempts: 2,
		DisconnectedAt:    &disc,
	}
	if err := s.SaveRuntimeStatus(in); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}

	out, ok, err := s.LoadRuntimeStatus()
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if !ok {
		t.Fatalf("LoadRuntimeStatus() ok = false, want true")
	}
	if out.Symbol != in.Symbol || out.InstanceID != in.InstanceID {
		t.Fatalf("LoadRuntimeStatus() mismatch basic fields: got %+v want %+v", out, in)
	}
	if out.State != in.State || out.PID != in.PID || out.LastError != in.LastError || out.ReconnectAttempts != in.ReconnectAttempts {
		t.Fatalf("LoadRuntimeStatus() mismatch status fields: got %+v want %+v", out, in)
	}
	if out.StartedAt.IsZero() {
		t.Fatalf("started_at should be set")
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at should be set")
	}
	if out.DisconnectedAt == nil {
		t.Fatalf("disconnected_at should be set")
	}
}

func TestStoreLoadRuntimeStatusNotExist(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, ok, err := s.LoadRuntimeStatus()
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if ok {
		t.Fatalf("LoadRuntimeStatus() ok = true, want false")
	}
}

func TestStoreMirrorRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	in := MirrorSnapshot{
		Symbol: "XRPUSDT",
		Long: SideStatus{
			Position:          decimal.RequireFromString("2.5"),
			EntryOpenQty:      decimal.RequireFromString("0.5"),
			TakeProfitOpenQty: decimal.RequireFromString("0.5"),
			Phase:             "active",
			PositionSyncAt:    time.Now().UTC(),
			OrderSyncAt:       time.Now().UTC(),
		},
		BestBid: decimal.RequireFromString("0.5123"),
		BestAsk: decimal.RequireFromString("0.5124"),
	}
	if err := s.SaveMirror(in); err != nil {
		t.Fatalf("SaveMirror() error = %v", err)
	}

	out, ok, err := s.LoadMirror()
	if err != nil {
		t.Fatalf("LoadMirror() error = %v", err)
	}
	if !ok {
		t.Fatalf("LoadMirror() ok = false, want true")
	}
	if !out.Long.Position.Equal(in.Long.Position) {
		t.Fatalf("long position = %s, want %s", out.Long.Position, in.Long.Position)
	}
	if out.Long.Phase != "active" {
		t.Fatalf("long phase = %q, want active", out.Long.Phase)
	}
	if !out.BestBid.Equal(in.BestBid) {
		t.Fatalf("best bid = %s, want %s", out.BestBid, in.BestBid)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at should be set")
	}
}
