package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"peerpresence/logging"
	"peerpresence/metrics"
	"peerpresence/models"
)

var validate = validator.New()

// RegisterParams describes a register call. Status defaults to connected.
type RegisterParams struct {
	PeerID     string        `validate:"required,max=255"`
	Name       string        `validate:"max=255"`
	DeviceType string        `validate:"max=64"`
	Status     models.Status `validate:"-"`
}

func (p RegisterParams) withDefaults() RegisterParams {
	out := p
	out.PeerID = strings.TrimSpace(out.PeerID)
	out.Name = strings.TrimSpace(out.Name)
	out.DeviceType = strings.TrimSpace(out.DeviceType)
	if out.Status == "" {
		out.Status = models.StatusConnected
	} else {
		out.Status = models.ParseStatus(string(out.Status))
	}
	return out
}

// DiscoverParams optionally narrows discovery to one peer_id.
type DiscoverParams struct {
	PeerID string
}

type registerPayload struct {
	PeerID     string        `json:"peer_id"`
	Name       string        `json:"name,omitempty"`
	DeviceType string        `json:"device_type,omitempty"`
	Status     models.Status `json:"status"`
}

type discoverPayload struct {
	PeerID string `json:"peer_id,omitempty"`
}

type disconnectPayload struct {
	PeerID string        `json:"peer_id"`
	Status models.Status `json:"status"`
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = logging.OrNop(l) }
}

// WithCallTimeout bounds each remote call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// Client issues register/discover/disconnect calls against a Caller.
type Client struct {
	caller      Caller
	log         *zap.Logger
	callTimeout time.Duration
}

// NewClient builds a client around an explicitly constructed caller.
func NewClient(caller Caller, opts ...Option) (*Client, error) {
	if caller == nil {
		return nil, errors.New("registry caller is required")
	}
	c := &Client{caller: caller, log: zap.NewNop()}
	for _, apply := range opts {
		apply(c)
	}
	return c, nil
}

// RegisterPeer creates or refreshes a peer's presence record.
func (c *Client) RegisterPeer(ctx context.Context, params RegisterParams) (json.RawMessage, error) {
	p := params.withDefaults()
	if err := validate.Struct(p); err != nil {
		metrics.RegistryCalls.WithLabelValues(ActionRegister, metrics.OutcomeInvalid).Inc()
		return nil, validationFromStruct(ActionRegister, err)
	}

	return c.call(ctx, ActionRegister, p.PeerID, registerPayload{
		PeerID:     p.PeerID,
		Name:       p.Name,
		DeviceType: p.DeviceType,
		Status:     p.Status,
	})
}

// DiscoverPeers lists peers visible to the caller. Nil params discovers all.
func (c *Client) DiscoverPeers(ctx context.Context, params *DiscoverParams) (json.RawMessage, error) {
	var payload any
	peerID := ""
	if params != nil {
		peerID = strings.TrimSpace(params.PeerID)
		payload = discoverPayload{PeerID: peerID}
	}
	return c.call(ctx, ActionDiscover, peerID, payload)
}

// DisconnectPeer marks a peer disconnected. The record is kept by the backend.
func (c *Client) DisconnectPeer(ctx context.Context, peerID string) (json.RawMessage, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		metrics.RegistryCalls.WithLabelValues(ActionDisconnect, metrics.OutcomeInvalid).Inc()
		return nil, &ValidationError{Op: ActionDisconnect, Field: "peer_id", Reason: "is required"}
	}
	return c.call(ctx, ActionDisconnect, peerID, disconnectPayload{
		PeerID: peerID,
		Status: models.StatusDisconnected,
	})
}

// ListPeers runs DiscoverPeers and decodes the {"peers": [...]} response.
func (c *Client) ListPeers(ctx context.Context, params *DiscoverParams) ([]models.Peer, error) {
	raw, err := c.DiscoverPeers(ctx, params)
	if err != nil {
		return nil, err
	}
	peers, err := DecodePeers(raw)
	if err != nil {
		peerID := ""
		if params != nil {
			peerID = params.PeerID
		}
		c.log.Error("discovery response could not be decoded",
			zap.String("op", ActionDiscover),
			zap.String("peer_id", peerID),
			zap.Error(err),
		)
		return nil, &RemoteCallError{Op: ActionDiscover, PeerID: peerID, Err: err}
	}
	return peers, nil
}

// DecodePeers extracts the peer list from a discovery response.
func DecodePeers(raw json.RawMessage) ([]models.Peer, error) {
	var body struct {
		Peers []models.Peer `json:"peers"`
	}
	if len(raw) == 0 || string(raw) == "null" {
		return []models.Peer{}, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode peers: %w", err)
	}
	if body.Peers == nil {
		return []models.Peer{}, nil
	}
	return body.Peers, nil
}

func (c *Client) call(ctx context.Context, action, peerID string, payload any) (json.RawMessage, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	started := time.Now()
	raw, err := c.caller.Call(ctx, Request{Action: action, Peer: payload})
	metrics.RegistryCallDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.RegistryCalls.WithLabelValues(action, metrics.OutcomeRemoteFail).Inc()
		c.log.Error("remote call failed",
			zap.String("op", action),
			zap.String("peer_id", peerID),
			zap.Error(err),
		)
		return nil, &RemoteCallError{Op: action, PeerID: peerID, Err: err}
	}

	metrics.RegistryCalls.WithLabelValues(action, metrics.OutcomeOK).Inc()
	c.log.Debug("remote call completed", zap.String("op", action), zap.String("peer_id", peerID))
	return raw, nil
}
