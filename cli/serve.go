package cli

import (
	"context"
	"fmt"
	"net"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerpresence/backend"
	"peerpresence/config"
	"peerpresence/discovery"
	"peerpresence/storage"
)

func (a *app) serveCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the presence backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.Server.Listen = listen
			}
			return a.runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: server.listen)")
	return cmd
}

func (a *app) runServe(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.log.Warn("store close failed", zap.Error(err))
		}
	}()

	srv, err := backend.NewServer(backend.Options{
		Store:     store,
		Function:  a.cfg.Backend.Function,
		APIKey:    a.cfg.Backend.APIKey,
		RateLimit: a.cfg.Server.RateLimitPerSec,
		RateBurst: a.cfg.Server.RateBurst,
		Logger:    a.log.Named("backend"),
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Listen, err)
	}

	if a.cfg.Server.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		advertiser, err := discovery.StartAdvertiser(discovery.AdvertiseConfig{
			Instance: a.cfg.DeviceName,
			Port:     port,
			Function: a.cfg.Backend.Function,
		})
		if err != nil {
			// The backend stays usable by URL when multicast is unavailable.
			a.log.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer advertiser.Stop()
			a.log.Info("advertising backend via mDNS", zap.Int("port", port))
		}
	}

	return srv.Serve(ctx, ln)
}

func (a *app) openStore(ctx context.Context) (storage.PeerStore, error) {
	retention := storage.WithEventRetention(a.cfg.EventRetention())
	switch a.cfg.Server.Database.Driver {
	case config.DriverPostgres:
		store, err := storage.OpenPostgres(ctx, a.cfg.Server.Database.DSN, retention)
		if err != nil {
			return nil, err
		}
		a.log.Info("using postgres store")
		return store, nil
	default:
		store, dbPath, err := storage.Open(a.dataDir, retention)
		if err != nil {
			return nil, err
		}
		a.log.Info("using sqlite store", zap.String("path", dbPath))
		return store, nil
	}
}

func (a *app) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [peer-id]",
		Short: "Show recorded status changes from the local backend store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID := a.cfg.PeerID
			if len(args) == 1 {
				peerID = args[0]
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListPresenceEvents(cmd.Context(), peerID, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(events) == 0 {
				_, err := fmt.Fprintf(out, "No presence history for %s.\n", peerID)
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATUS")
			for _, event := range events {
				fmt.Fprintf(tw, "%s\t%s\n", event.Timestamp.Local().Format("2006-01-02 15:04:05"), strings.ToUpper(string(event.Status)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to show")
	return cmd
}
