package presence

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"peerpresence/discovery"
	"peerpresence/models"
)

// ListState is one of the mutually exclusive list display states.
type ListState string

const (
	ListLoading   ListState = "loading"
	ListEmpty     ListState = "empty"
	ListPopulated ListState = "populated"
)

// StateOf selects the list state. Loading wins over any peers already present.
func StateOf(loading bool, peers []models.Peer) ListState {
	switch {
	case loading:
		return ListLoading
	case len(peers) == 0:
		return ListEmpty
	default:
		return ListPopulated
	}
}

// View is what a renderer needs to draw the peer list.
type View struct {
	State       ListState
	Cards       []Card
	LastRefresh time.Time
}

// BuildView derives cards from a poller snapshot, keeping server order.
func BuildView(state discovery.State, now time.Time) View {
	view := View{
		State:       StateOf(state.Loading, state.Peers),
		LastRefresh: state.LastRefresh,
	}
	if view.State != ListPopulated {
		return view
	}
	view.Cards = make([]Card, 0, len(state.Peers))
	for _, peer := range state.Peers {
		view.Cards = append(view.Cards, CardFor(peer, now))
	}
	return view
}

// Render writes a plain-text rendering of view.
func Render(w io.Writer, view View) error {
	switch view.State {
	case ListLoading:
		_, err := fmt.Fprintln(w, "Discovering peers...")
		return err
	case ListEmpty:
		_, err := fmt.Fprintln(w, "No peers found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEVICE\tSTATUS\tLAST SEEN\tPEER ID")
	for _, card := range view.Cards {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			card.Name,
			card.Icon,
			badgeLabel(card),
			card.LastSeen,
			card.ShortID,
		)
	}
	return tw.Flush()
}

func badgeLabel(card Card) string {
	switch card.Badge {
	case BadgePrimary:
		return "[" + string(card.Status) + "]"
	case BadgeSecondary:
		return "(" + string(card.Status) + ")"
	default:
		return string(card.Status)
	}
}
