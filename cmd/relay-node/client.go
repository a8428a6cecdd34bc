// ABOUTME: Bridge client: framed JSON over TCP/TLS to the gateway
// ABOUTME: Handles pairing, hello, ping keepalive, and invoke serving

package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
)

const maxFrameSize = 8 * 1024 * 1024

// client is one bridge connection from the node side.
type client struct {
	conn    net.Conn
	frames  chan *protocol.BridgeFrame
	readErr error
	done    chan struct{}

	writeMu sync.Mutex
}

func connect(opts options) (*client, error) {
	var conn net.Conn
	var err error

	if opts.TLS {
		conn, err = tls.DialWithDialer(
			&net.Dialer{Timeout: 5 * time.Second},
			"tcp", opts.Addr,
			&tls.Config{InsecureSkipVerify: opts.Insecure},
		)
	} else {
		conn, err = net.DialTimeout("tcp", opts.Addr, 5*time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to bridge: %w", err)
	}

	c := &client{
		conn:   conn,
		frames: make(chan *protocol.BridgeFrame, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *client) Close() {
	c.conn.Close()
}

func (c *client) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f protocol.BridgeFrame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		c.frames <- &f
	}
	c.readErr = scanner.Err()
	close(c.frames)
}

func (c *client) writeFrame(f *protocol.BridgeFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.conn.Write(append(payload, '\n'))
	return err
}

// next returns the next inbound frame, or an error when the connection
// drops or ctx ends.
func (c *client) next(ctx context.Context) (*protocol.BridgeFrame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, errors.New("connection closed")
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pair sends a pair-request and waits for the operator's decision.
func (c *client) Pair(ctx context.Context, opts options) (string, error) {
	err := c.writeFrame(&protocol.BridgeFrame{
		Type:        protocol.BridgePairRequest,
		NodeID:      opts.NodeID,
		DisplayName: opts.DisplayName,
		Platform:    runtime.GOOS,
		Version:     version,
		Silent:      opts.Silent,
	})
	if err != nil {
		return "", fmt.Errorf("sending pair-request: %w", err)
	}

	for {
		f, err := c.next(ctx)
		if err != nil {
			return "", err
		}
		switch f.Type {
		case protocol.BridgePairOK:
			if f.Token == "" {
				return "", errors.New("pair-ok missing token")
			}
			return f.Token, nil
		case protocol.BridgeError:
			return "", fmt.Errorf("pairing failed: %s (%s)", f.Message, f.Code)
		}
	}
}

// Hello authenticates with a saved token and waits for hello-ok.
func (c *client) Hello(ctx context.Context, opts options, token string) error {
	err := c.writeFrame(&protocol.BridgeFrame{
		Type:     protocol.BridgeHello,
		NodeID:   opts.NodeID,
		Platform: runtime.GOOS,
		Version:  version,
		Token:    token,
	})
	if err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	helloCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for {
		f, err := c.next(helloCtx)
		if err != nil {
			return err
		}
		switch f.Type {
		case protocol.BridgeHelloOK:
			return nil
		case protocol.BridgeError:
			return fmt.Errorf("hello rejected: %s (%s)", f.Message, f.Code)
		}
	}
}

// Serve answers invokes with the given executor and keeps the connection
// alive with periodic pings until ctx ends or the transport fails.
func (c *client) Serve(ctx context.Context, execute func(ctx context.Context, command, paramsJSON string) (string, error)) error {
	pinger := time.NewTicker(30 * time.Second)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pinger.C:
			if err := c.writeFrame(&protocol.BridgeFrame{Type: protocol.BridgePing}); err != nil {
				return err
			}
		case f, ok := <-c.frames:
			if !ok {
				if c.readErr != nil {
					return c.readErr
				}
				return errors.New("connection closed")
			}
			switch f.Type {
			case protocol.BridgePong:
				// keepalive ack
			case protocol.BridgeInvoke:
				go c.serveInvoke(ctx, f, execute)
			}
		}
	}
}

func (c *client) serveInvoke(ctx context.Context, f *protocol.BridgeFrame, execute func(ctx context.Context, command, paramsJSON string) (string, error)) {
	res := &protocol.BridgeFrame{
		Type: protocol.BridgeInvokeRes,
		ID:   f.ID,
	}

	payload, err := execute(ctx, f.Command, f.ParamsJSON)
	if err != nil {
		res.OK = protocol.BoolPtr(false)
		res.Code = "COMMAND_FAILED"
		res.Message = err.Error()
	} else {
		res.OK = protocol.BoolPtr(true)
		res.PayloadJSON = payload
	}
	_ = c.writeFrame(res)
}
