package presence

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"peerpresence/discovery"
	"peerpresence/models"
)

func TestStateOfIsMutuallyExclusive(t *testing.T) {
	peers := []models.Peer{{PeerID: "a"}}
	if StateOf(true, nil) != ListLoading {
		t.Fatalf("expected loading")
	}
	if StateOf(true, peers) != ListLoading {
		t.Fatalf("loading must win over populated")
	}
	if StateOf(false, nil) != ListEmpty || StateOf(false, []models.Peer{}) != ListEmpty {
		t.Fatalf("expected empty")
	}
	if StateOf(false, peers) != ListPopulated {
		t.Fatalf("expected populated")
	}
}

func TestBuildViewKeepsServerOrder(t *testing.T) {
	now := time.Now()
	state := discovery.State{
		Peers: []models.Peer{
			{PeerID: "zzz", Name: "Zed"},
			{PeerID: "aaa", Name: "Ann"},
		},
	}

	view := BuildView(state, now)
	if view.State != ListPopulated {
		t.Fatalf("expected populated, got %s", view.State)
	}
	if len(view.Cards) != 2 || view.Cards[0].Name != "Zed" || view.Cards[1].Name != "Ann" {
		t.Fatalf("cards must keep server order, got %+v", view.Cards)
	}
}

func TestBuildViewEmptyWhenNotLoading(t *testing.T) {
	view := BuildView(discovery.State{Peers: []models.Peer{}}, time.Now())
	if view.State != ListEmpty || len(view.Cards) != 0 {
		t.Fatalf("expected empty view, got %+v", view)
	}
}

func TestRenderStates(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, View{State: ListLoading}); err != nil {
		t.Fatalf("Render loading failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Discovering") {
		t.Fatalf("unexpected loading output %q", buf.String())
	}

	buf.Reset()
	if err := Render(&buf, View{State: ListEmpty}); err != nil {
		t.Fatalf("Render empty failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No peers") {
		t.Fatalf("unexpected empty output %q", buf.String())
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	view := BuildView(discovery.State{Peers: []models.Peer{{
		PeerID:     "abc123",
		DeviceType: "laptop",
		Status:     models.StatusConnected,
		LastSeen:   now.Add(-5 * time.Minute),
	}}}, now)

	buf.Reset()
	if err := Render(&buf, view); err != nil {
		t.Fatalf("Render populated failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "Peer abc123...", "laptop", "[connected]", "5 minutes ago"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
