// ABOUTME: Device bridge listener speaking newline-delimited JSON over TCP or TLS.
// ABOUTME: Handles node hello, pairing, ping, invoke forwarding, and event intake.

package bridge

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/nodes"
	"github.com/2389/relay-gateway/internal/protocol"
)

// maxFrameSize bounds a single bridge frame. Payloads ride inside JSON
// strings, so generous headroom is needed for screenshots and the like.
const maxFrameSize = 8 * 1024 * 1024

// RPCHandler answers generic req frames from bridge nodes. It is handed
// only methods the node role is allowed to call.
type RPCHandler func(ctx context.Context, nodeID, method, paramsJSON string) (string, *protocol.ErrorInfo)

// Server is the device bridge endpoint. It shares the pairing registry
// and invocation bus with the control-plane transport.
type Server struct {
	cfg        config.BridgeConfig
	serverName string
	pairing    *nodes.Pairing
	bus        *nodes.Bus
	rpc        RPCHandler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a bridge server. rpc may be nil, in which case req
// frames are answered with method-not-found.
func NewServer(cfg config.BridgeConfig, serverName string, pairing *nodes.Pairing, bus *nodes.Bus, rpc RPCHandler) *Server {
	return &Server{
		cfg:        cfg,
		serverName: serverName,
		pairing:    pairing,
		bus:        bus,
		rpc:        rpc,
		logger:     slog.Default().With("component", "bridge"),
		conns:      make(map[net.Conn]struct{}),
		stop:       make(chan struct{}),
	}
}

// Start begins accepting node connections. TLS is used when a cert/key
// pair is configured; otherwise the listener is plaintext for
// loopback/tailnet deployments.
func (s *Server) Start() error {
	var ln net.Listener
	var err error

	if s.cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("loading bridge TLS keypair: %w", err)
		}
		ln, err = tls.Listen("tcp", s.cfg.Addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return fmt.Errorf("listening on bridge addr: %w", err)
		}
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listening on bridge addr: %w", err)
		}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("bridge listening", "addr", ln.Addr().String(), "tls", s.cfg.CertFile != "")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("bridge accept error", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound listener address, valid after Start. Useful when
// the configured addr requests an ephemeral port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the listener, tears down live connections, and waits for
// connection handlers to finish. Handlers blocked in a read or a pending
// pairing wait are unblocked so shutdown stays bounded.
func (s *Server) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if !alreadyClosed {
		close(s.stop)
	}

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

// bridgeConn is one node's bridge connection, registered on the bus once
// the node authenticates.
type bridgeConn struct {
	nodeID string
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

func (c *bridgeConn) NodeID() string { return c.nodeID }

// writeFrame sends one newline-terminated JSON frame.
func (c *bridgeConn) writeFrame(f *protocol.BridgeFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.conn.Write(append(payload, '\n'))
	return err
}

// SendInvoke implements nodes.NodeConn.
func (c *bridgeConn) SendInvoke(id, command, paramsJSON string) error {
	return c.writeFrame(&protocol.BridgeFrame{
		Type:       protocol.BridgeInvoke,
		ID:         id,
		Command:    command,
		ParamsJSON: paramsJSON,
	})
}

func (c *bridgeConn) writeError(code, message string) {
	_ = c.writeFrame(&protocol.BridgeFrame{
		Type:    protocol.BridgeError,
		Code:    code,
		Message: message,
	})
}

// handleConn runs one node connection: authenticate or pair, then serve
// frames until disconnect.
func (s *Server) handleConn(raw net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		raw.Close()
		return
	}
	s.conns[raw] = struct{}{}
	s.mu.Unlock()

	defer func() {
		raw.Close()
		s.mu.Lock()
		delete(s.conns, raw)
		s.mu.Unlock()
	}()

	remote := raw.RemoteAddr().String()
	conn := &bridgeConn{
		conn:   raw,
		logger: s.logger.With("remote", remote),
	}

	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	first, ok := s.readFrame(scanner, conn)
	if !ok {
		return
	}

	switch first.Type {
	case protocol.BridgeHello:
		if !s.authenticate(conn, first) {
			return
		}
	case protocol.BridgePairRequest:
		token, ok := s.pair(conn, first, remote)
		if !ok {
			return
		}
		// Paired nodes usually reconnect with the token, but accept an
		// immediate hello on the same connection too.
		next, ok := s.readFrame(scanner, conn)
		if !ok {
			return
		}
		if next.Type != protocol.BridgeHello || next.Token != token {
			conn.writeError(protocol.CodeInvalidParams, "expected hello with issued token")
			return
		}
		if !s.authenticate(conn, next) {
			return
		}
	default:
		conn.writeError(protocol.CodeInvalidParams, "expected hello or pair-request")
		return
	}

	s.bus.Register(conn)
	defer s.bus.Unregister(conn)

	s.serveFrames(scanner, conn, remote)
}

func (s *Server) readFrame(scanner *bufio.Scanner, conn *bridgeConn) (*protocol.BridgeFrame, bool) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f protocol.BridgeFrame
		if err := json.Unmarshal(line, &f); err != nil {
			conn.writeError(protocol.CodeInvalidParams, "malformed frame")
			continue
		}
		return &f, true
	}
	return nil, false
}

// authenticate validates a hello token and acknowledges with hello-ok.
func (s *Server) authenticate(conn *bridgeConn, hello *protocol.BridgeFrame) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	node, err := s.pairing.Authenticate(ctx, hello.Token)
	if err != nil {
		conn.writeError("PAIRING_REQUIRED", "unknown or missing token, send pair-request")
		return false
	}

	conn.nodeID = node.NodeID
	conn.logger = conn.logger.With("node_id", node.NodeID)

	if err := conn.writeFrame(&protocol.BridgeFrame{
		Type:       protocol.BridgeHelloOK,
		ServerName: s.serverName,
	}); err != nil {
		return false
	}

	conn.logger.Info("node authenticated on bridge")
	return true
}

// pair submits the pending request and blocks until an operator decides
// or the pending entry expires. On approval the token frame is pushed to
// the still-open connection.
func (s *Server) pair(conn *bridgeConn, req *protocol.BridgeFrame, remote string) (string, bool) {
	remoteIP := req.RemoteAddress
	if remoteIP == "" {
		remoteIP = remote
	}

	ctx := context.Background()
	decisionCh, err := s.pairing.Submit(ctx, &nodes.PendingRequest{
		NodeID:      req.NodeID,
		DisplayName: req.DisplayName,
		Platform:    req.Platform,
		Version:     req.Version,
		RemoteIP:    remoteIP,
		Silent:      req.Silent,
		Commands:    req.Commands,
	})
	if err != nil {
		conn.writeError(protocol.CodeInvalidParams, err.Error())
		return "", false
	}

	conn.logger.Info("pairing request forwarded", "node_id", req.NodeID)

	select {
	case decision := <-decisionCh:
		if !decision.Approved {
			conn.writeError("PAIRING_REJECTED", decision.Reason)
			return "", false
		}
		if err := conn.writeFrame(&protocol.BridgeFrame{
			Type:  protocol.BridgePairOK,
			Token: decision.Token,
		}); err != nil {
			return "", false
		}
		return decision.Token, true
	case <-time.After(nodes.PendingTTL):
		conn.writeError(protocol.CodeTimeout, "pairing request expired")
		return "", false
	case <-s.stop:
		return "", false
	}
}

// serveFrames is the post-handshake frame loop.
func (s *Server) serveFrames(scanner *bufio.Scanner, conn *bridgeConn, remote string) {
	for {
		f, ok := s.readFrame(scanner, conn)
		if !ok {
			if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				conn.logger.Debug("bridge read ended", "error", err)
			}
			return
		}

		switch f.Type {
		case protocol.BridgePing:
			_ = conn.writeFrame(&protocol.BridgeFrame{Type: protocol.BridgePong, ID: f.ID})

		case protocol.BridgeInvokeRes:
			result := &nodes.InvokeResult{
				OK:      f.OK != nil && *f.OK,
				Payload: []byte(f.PayloadJSON),
			}
			if f.Code != "" || f.Message != "" {
				result.Err = &protocol.ErrorInfo{Code: f.Code, Message: f.Message}
			}
			s.bus.HandleResult(f.ID, result)

		case protocol.BridgeEvent:
			s.bus.Publish(conn.nodeID, f.Event, f.PayloadJSON)

		case protocol.BridgeReq:
			s.handleReq(conn, f)

		case protocol.BridgePairRequest:
			// A paired node re-requesting is a repair; let the operator
			// decide again but keep the connection serving.
			go func(f *protocol.BridgeFrame) {
				s.pair(conn, f, remote)
			}(f)

		default:
			conn.writeError(protocol.CodeInvalidParams, "unexpected frame type: "+f.Type)
		}
	}
}

// handleReq answers a generic RPC frame, enforcing the node-role
// allowlist before the handler runs.
func (s *Server) handleReq(conn *bridgeConn, f *protocol.BridgeFrame) {
	res := &protocol.BridgeFrame{Type: protocol.BridgeRes, ID: f.ID}

	if !protocol.RoleAllows(protocol.RoleNode, f.Method) {
		res.OK = protocol.BoolPtr(false)
		res.Code = protocol.CodeUnauthorizedRole
		res.Message = "role node may not call " + f.Method
		_ = conn.writeFrame(res)
		return
	}
	if s.rpc == nil {
		res.OK = protocol.BoolPtr(false)
		res.Code = protocol.CodeMethodNotFound
		res.Message = "unknown method: " + f.Method
		_ = conn.writeFrame(res)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, errInfo := s.rpc(ctx, conn.nodeID, f.Method, f.ParamsJSON)
	if errInfo != nil {
		res.OK = protocol.BoolPtr(false)
		res.Code = errInfo.Code
		res.Message = errInfo.Message
	} else {
		res.OK = protocol.BoolPtr(true)
		res.PayloadJSON = payload
	}
	_ = conn.writeFrame(res)
}
