package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerpresence/discovery"
	"peerpresence/presence"
	"peerpresence/registry"
)

const disconnectOnExitTimeout = 5 * time.Second

func (a *app) watchCommand() *cobra.Command {
	var peerID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register this device and keep a live peer list until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *registry.DiscoverParams
			if peerID != "" {
				filter = &registry.DiscoverParams{PeerID: peerID}
			}
			return a.runWatch(cmd.Context(), cmd.OutOrStdout(), filter)
		},
	}
	cmd.Flags().StringVar(&peerID, "peer-id", "", "only watch this peer")
	return cmd
}

func (a *app) runWatch(ctx context.Context, out io.Writer, filter *registry.DiscoverParams) error {
	client, err := a.registryClient(ctx)
	if err != nil {
		return err
	}

	self := a.selfRegistration()
	if _, err := client.RegisterPeer(ctx, self); err != nil {
		return fmt.Errorf("register %s: %w", self.PeerID, err)
	}
	a.log.Info("registered", zap.String("peer_id", self.PeerID))
	defer a.disconnectSelf(client, self.PeerID)

	poller, err := discovery.NewPoller(discovery.PollerConfig{
		Lister:      client,
		Filter:      filter,
		Interval:    a.cfg.PollInterval(),
		CallTimeout: a.cfg.BackendTimeout(),
		Logger:      a.log.Named("poller"),
	})
	if err != nil {
		return err
	}
	if err := poller.Start(); err != nil {
		return err
	}
	defer poller.Stop()

	if err := a.renderState(out, poller.Snapshot()); err != nil {
		return err
	}

	events := poller.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			switch event.Type {
			case discovery.EventSnapshot:
				if err := a.renderState(out, event.State); err != nil {
					return err
				}
			case discovery.EventPeerUpserted:
				a.log.Debug("peer updated", zap.String("peer_id", event.Peer.PeerID), zap.String("status", string(event.Peer.Status)))
			case discovery.EventPeerRemoved:
				a.log.Debug("peer no longer listed", zap.String("peer_id", event.Peer.PeerID))
			}
		}
	}
}

func (a *app) renderState(out io.Writer, state discovery.State) error {
	now := time.Now()
	if _, err := fmt.Fprintf(out, "\n-- %s --\n", now.Format("15:04:05")); err != nil {
		return err
	}
	return presence.Render(out, presence.BuildView(state, now))
}

func (a *app) disconnectSelf(client *registry.Client, peerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectOnExitTimeout)
	defer cancel()
	if _, err := client.DisconnectPeer(ctx, peerID); err != nil {
		a.log.Warn("disconnect on exit failed", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	a.log.Info("disconnected", zap.String("peer_id", peerID))
}
