package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"peerpresence/registry"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerpresence._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultLocateTimeout bounds one backend lookup.
	DefaultLocateTimeout = 3 * time.Second
)

// ErrBackendNotFound is returned when no backend answers the browse.
var ErrBackendNotFound = errors.New("no presence backend found on the local network")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// AdvertiseConfig controls mDNS advertisement and lookup of the presence backend.
type AdvertiseConfig struct {
	Service       string
	Domain        string
	Version       int
	LocateTimeout time.Duration

	Instance string
	Port     int
	Function string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c AdvertiseConfig) withDefaults() AdvertiseConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.LocateTimeout <= 0 {
		out.LocateTimeout = DefaultLocateTimeout
	}
	if out.Function == "" {
		out.Function = registry.DefaultFunctionName
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c AdvertiseConfig) validateForAdvertise() error {
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Advertiser announces a running presence backend via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers and starts mDNS advertisement.
func StartAdvertiser(config AdvertiseConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"path=" + registry.FunctionsPathPrefix + cfg.Function,
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop stops mDNS advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// BackendEndpoint is one backend found on the LAN.
type BackendEndpoint struct {
	Instance string
	BaseURL  string
	Function string
	Version  int
}

// LocateBackend browses for an advertised backend and returns the first answer.
func LocateBackend(ctx context.Context, config AdvertiseConfig) (BackendEndpoint, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return BackendEndpoint{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	browseCtx, cancel := context.WithTimeout(ctx, cfg.LocateTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := browse(browseCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return BackendEndpoint{}, fmt.Errorf("browse mDNS: %w", err)
	}

	var results <-chan *zeroconf.ServiceEntry = entries
	for {
		select {
		case entry, ok := <-results:
			if !ok {
				// The resolver closes the channel when browsing ends.
				results = nil
				continue
			}
			if entry == nil {
				continue
			}
			if endpoint, ok := parseBackendEntry(entry); ok {
				return endpoint, nil
			}
		case <-browseCtx.Done():
			if err := ctx.Err(); err != nil {
				return BackendEndpoint{}, err
			}
			return BackendEndpoint{}, ErrBackendNotFound
		}
	}
}

func parseBackendEntry(entry *zeroconf.ServiceEntry) (BackendEndpoint, bool) {
	if entry.Port <= 0 {
		return BackendEndpoint{}, false
	}

	var host string
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			host = ip.String()
			break
		}
	}
	if host == "" {
		for _, ip := range entry.AddrIPv6 {
			if ip != nil {
				host = ip.String()
				break
			}
		}
	}
	if host == "" {
		host = strings.TrimSuffix(entry.HostName, ".")
	}
	if host == "" {
		return BackendEndpoint{}, false
	}

	txt := txtToMap(entry.Text)
	function := strings.TrimPrefix(txt["path"], registry.FunctionsPathPrefix)
	if function == "" {
		function = registry.DefaultFunctionName
	}
	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	return BackendEndpoint{
		Instance: entry.Instance,
		BaseURL:  "http://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		Function: function,
		Version:  version,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
