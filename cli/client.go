package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"peerpresence/discovery"
	"peerpresence/registry"
)

func (a *app) registryClient(ctx context.Context) (*registry.Client, error) {
	baseURL := a.cfg.Backend.URL
	function := a.cfg.Backend.Function

	if a.cfg.Backend.MDNS {
		endpoint, err := discovery.LocateBackend(ctx, discovery.AdvertiseConfig{})
		if err != nil {
			return nil, fmt.Errorf("locate backend via mDNS: %w", err)
		}
		a.log.Info("backend located via mDNS",
			zap.String("instance", endpoint.Instance),
			zap.String("base_url", endpoint.BaseURL),
		)
		baseURL = endpoint.BaseURL
		function = endpoint.Function
	}

	caller, err := registry.NewHTTPCaller(registry.HTTPConfig{
		BaseURL:  baseURL,
		Function: function,
		APIKey:   a.cfg.Backend.APIKey,
	})
	if err != nil {
		return nil, err
	}
	return registry.NewClient(caller,
		registry.WithLogger(a.log.Named("registry")),
		registry.WithCallTimeout(a.cfg.BackendTimeout()),
	)
}

func (a *app) selfRegistration() registry.RegisterParams {
	return registry.RegisterParams{
		PeerID:     a.cfg.PeerID,
		Name:       a.cfg.DeviceName,
		DeviceType: a.cfg.DeviceType,
	}
}
