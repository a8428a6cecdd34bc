// ABOUTME: Node pairing lifecycle: pending requests, approval, rejection, rename.
// ABOUTME: Coalesces repeat pair-requests per node and mints tokens on approval.

package nodes

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/store"
)

// PendingTTL is how long a pairing request stays listable without a
// repeat pair-request refreshing it.
const PendingTTL = 5 * time.Minute

// PendingRequest is a pairing request awaiting an operator decision.
type PendingRequest struct {
	RequestID   string   `json:"requestId"`
	NodeID      string   `json:"nodeId"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Version     string   `json:"version,omitempty"`
	RemoteIP    string   `json:"remoteIp,omitempty"`
	CreatedAtMs int64    `json:"createdAtMs"`
	Repair      bool     `json:"isRepair"`
	Silent      bool     `json:"silent,omitempty"`
	Commands    []string `json:"commands,omitempty"`

	// done receives the decision exactly once. Buffered so approve/reject
	// never blocks on a departed waiter.
	done chan *Decision
}

// Decision is the outcome of a pairing request.
type Decision struct {
	Approved bool
	Token    string
	Reason   string
}

// PendingView is PendingRequest plus the age the list query reports.
type PendingView struct {
	PendingRequest
	AgeMs int64 `json:"ageMs"`
}

// Pairing tracks pending requests and the persisted set of paired nodes.
type Pairing struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingRequest // requestID -> request
	byNode  map[string]string          // nodeID -> requestID

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewPairing creates the pairing registry and starts the TTL sweeper.
func NewPairing(s store.Store) *Pairing {
	p := &Pairing{
		store:     s,
		logger:    slog.Default().With("component", "pairing"),
		pending:   make(map[string]*PendingRequest),
		byNode:    make(map[string]string),
		stopSweep: make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Close stops the TTL sweeper.
func (p *Pairing) Close() {
	p.sweepOnce.Do(func() { close(p.stopSweep) })
}

func (p *Pairing) sweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-PendingTTL).UnixMilli()
			p.mu.Lock()
			for id, req := range p.pending {
				if req.CreatedAtMs < cutoff {
					delete(p.pending, id)
					delete(p.byNode, req.NodeID)
					p.logger.Debug("expired pairing request", "request_id", id, "node_id", req.NodeID)
				}
			}
			p.mu.Unlock()
		case <-p.stopSweep:
			return
		}
	}
}

// Submit records a pair-request from a node. A repeat request for the same
// nodeId while one is pending refreshes the existing entry instead of
// creating a second one; a request from an already-paired node is flagged
// as a repair so the operator knows approval will replace the token.
// The returned channel yields the operator's decision exactly once.
func (p *Pairing) Submit(ctx context.Context, req *PendingRequest) (<-chan *Decision, error) {
	if req.NodeID == "" {
		return nil, fmt.Errorf("pair request missing nodeId")
	}

	alreadyPaired := false
	if _, err := p.store.GetNode(ctx, req.NodeID); err == nil {
		alreadyPaired = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existingID, ok := p.byNode[req.NodeID]; ok {
		existing := p.pending[existingID]
		existing.DisplayName = req.DisplayName
		existing.Platform = req.Platform
		existing.Version = req.Version
		existing.RemoteIP = req.RemoteIP
		existing.Commands = req.Commands
		existing.Silent = req.Silent
		existing.CreatedAtMs = time.Now().UnixMilli()
		existing.Repair = true
		p.logger.Info("coalesced repeat pairing request",
			"request_id", existingID, "node_id", req.NodeID)
		return existing.done, nil
	}

	req.RequestID = uuid.NewString()
	req.CreatedAtMs = time.Now().UnixMilli()
	req.Repair = req.Repair || alreadyPaired
	req.done = make(chan *Decision, 1)

	p.pending[req.RequestID] = req
	p.byNode[req.NodeID] = req.RequestID

	p.logger.Info("pairing request pending",
		"request_id", req.RequestID,
		"node_id", req.NodeID,
		"display_name", req.DisplayName,
		"repair", req.Repair,
	)
	return req.done, nil
}

// ListPending returns all pending requests with their current age.
func (p *Pairing) ListPending() []*PendingView {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UnixMilli()
	views := make([]*PendingView, 0, len(p.pending))
	for _, req := range p.pending {
		views = append(views, &PendingView{
			PendingRequest: *req,
			AgeMs:          now - req.CreatedAtMs,
		})
	}
	return views
}

// Approve consumes a pending request by requestId, mints a fresh token,
// persists the paired node, and notifies the waiting node connection.
// A requestId that was already consumed (or never existed) returns
// store.ErrNotFound.
func (p *Pairing) Approve(ctx context.Context, requestID string) (*store.PairedNode, error) {
	p.mu.Lock()
	req, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
		delete(p.byNode, req.NodeID)
	}
	p.mu.Unlock()

	if !ok {
		return nil, store.ErrNotFound
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generating node token: %w", err)
	}

	now := time.Now()
	node := &store.PairedNode{
		NodeID:      req.NodeID,
		DisplayName: req.DisplayName,
		Platform:    req.Platform,
		Version:     req.Version,
		Token:       token,
		Commands:    req.Commands,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if node.DisplayName == "" {
		node.DisplayName = req.NodeID
	}

	if req.Repair {
		// Re-pairing an existing node replaces its credential in place.
		if existing, err := p.store.GetNode(ctx, req.NodeID); err == nil {
			node.CreatedAt = existing.CreatedAt
			if err := p.store.UpdateNode(ctx, node); err != nil {
				return nil, fmt.Errorf("updating repaired node: %w", err)
			}
			p.notify(req, &Decision{Approved: true, Token: token})
			p.logger.Info("node re-paired", "node_id", req.NodeID, "request_id", requestID)
			return node, nil
		}
	}

	if err := p.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("persisting paired node: %w", err)
	}

	p.notify(req, &Decision{Approved: true, Token: token})
	p.logger.Info("node paired", "node_id", req.NodeID, "request_id", requestID)
	return node, nil
}

// Reject consumes a pending request by requestId and notifies the node.
// Unknown requestIds return store.ErrNotFound.
func (p *Pairing) Reject(requestID string) error {
	p.mu.Lock()
	req, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
		delete(p.byNode, req.NodeID)
	}
	p.mu.Unlock()

	if !ok {
		return store.ErrNotFound
	}

	p.notify(req, &Decision{Approved: false, Reason: "pairing rejected"})
	p.logger.Info("pairing rejected", "node_id", req.NodeID, "request_id", requestID)
	return nil
}

func (p *Pairing) notify(req *PendingRequest, d *Decision) {
	select {
	case req.done <- d:
	default:
	}
}

// Rename updates a paired node's display name without touching its token.
func (p *Pairing) Rename(ctx context.Context, nodeID, displayName string) error {
	if displayName == "" {
		return fmt.Errorf("displayName is required")
	}
	return p.store.RenameNode(ctx, nodeID, displayName)
}

// Authenticate looks up a paired node by its presented token.
func (p *Pairing) Authenticate(ctx context.Context, token string) (*store.PairedNode, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	return p.store.GetNodeByToken(ctx, token)
}

// ListNodes returns all paired nodes.
func (p *Pairing) ListNodes(ctx context.Context) ([]*store.PairedNode, error) {
	return p.store.ListNodes(ctx)
}

// newToken mints an opaque 256-bit hex credential.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
