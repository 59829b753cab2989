package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"peerpresence/discovery"
	"peerpresence/models"
	"peerpresence/presence"
	"peerpresence/registry"
)

func (a *app) registerCommand() *cobra.Command {
	var (
		peerID     string
		name       string
		deviceType string
		status     string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create or refresh a presence record (defaults to this device)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.registryClient(cmd.Context())
			if err != nil {
				return err
			}

			params := a.selfRegistration()
			if cmd.Flags().Changed("peer-id") {
				params.PeerID = peerID
			}
			if cmd.Flags().Changed("name") {
				params.Name = name
			}
			if cmd.Flags().Changed("device-type") {
				params.DeviceType = deviceType
			}
			params.Status = models.Status(status)

			raw, err := client.RegisterPeer(cmd.Context(), params)
			if err != nil {
				return err
			}
			return writeRaw(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&peerID, "peer-id", "", "peer id to register (default: configured peer_id)")
	cmd.Flags().StringVar(&name, "name", "", "display name (default: configured device_name)")
	cmd.Flags().StringVar(&deviceType, "device-type", "", "device type hint, e.g. laptop or mobile")
	cmd.Flags().StringVar(&status, "status", "", "connected, connecting or disconnected (default connected)")
	return cmd
}

func (a *app) discoverCommand() *cobra.Command {
	var (
		peerID  string
		rawJSON bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List peers known to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.registryClient(cmd.Context())
			if err != nil {
				return err
			}

			var params *registry.DiscoverParams
			if peerID != "" {
				params = &registry.DiscoverParams{PeerID: peerID}
			}

			if rawJSON {
				raw, err := client.DiscoverPeers(cmd.Context(), params)
				if err != nil {
					return err
				}
				return writeRaw(cmd.OutOrStdout(), raw)
			}

			peers, err := client.ListPeers(cmd.Context(), params)
			if err != nil {
				return err
			}
			view := presence.BuildView(discovery.State{Peers: peers}, time.Now())
			return presence.Render(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&peerID, "peer-id", "", "only return this peer")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print the raw backend response")
	return cmd
}

func (a *app) disconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [peer-id]",
		Short: "Mark a peer disconnected (defaults to this device)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.registryClient(cmd.Context())
			if err != nil {
				return err
			}
			peerID := a.cfg.PeerID
			if len(args) == 1 {
				peerID = args[0]
			}
			raw, err := client.DisconnectPeer(cmd.Context(), peerID)
			if err != nil {
				return err
			}
			return writeRaw(cmd.OutOrStdout(), raw)
		},
	}
}

func writeRaw(w io.Writer, raw []byte) error {
	_, err := fmt.Fprintln(w, string(raw))
	return err
}
