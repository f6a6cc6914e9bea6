package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second // Default timeout
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params any) (*Response, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := uuid.NewString()
	if err := json.NewEncoder(conn).Encode(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize*4)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if respID := fmt.Sprintf("%v", jsonrpcResp.ID); respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     reqID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// DaemonStatus queries daemon_status.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_status", nil)
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_shutdown", nil)
}

// ConfigReload is a convenience method for config_reload command.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "config_reload", nil)
}

// ChannelList lists live channels.
func (c *UDSClient) ChannelList(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "channel_list", nil)
}

// ChannelShow returns one channel.
func (c *UDSClient) ChannelShow(ctx context.Context, uuid string) (*Response, error) {
	return c.Call(ctx, "channel_show", ChannelParams{UUID: uuid})
}

// ChannelHangup hangs up a channel; cause may be empty.
func (c *UDSClient) ChannelHangup(ctx context.Context, uuid, cause string) (*Response, error) {
	return c.Call(ctx, "channel_hangup", ChannelHangupParams{UUID: uuid, Cause: cause})
}

// ChannelOriginate creates a channel bound to a new MSRP session.
func (c *UDSClient) ChannelOriginate(ctx context.Context, params ChannelOriginateParams) (*Response, error) {
	return c.Call(ctx, "channel_originate", params)
}

// SessionList lists MSRP sessions.
func (c *UDSClient) SessionList(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "session_list", nil)
}

// SessionSend sends text on an MSRP session.
func (c *UDSClient) SessionSend(ctx context.Context, params SessionSendParams) (*Response, error) {
	return c.Call(ctx, "session_send", params)
}

// MSRPDebug toggles the MSRP wire trace.
func (c *UDSClient) MSRPDebug(ctx context.Context, enabled bool) (*Response, error) {
	return c.Call(ctx, "msrp_debug", MSRPDebugParams{Enabled: enabled})
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	resp, err := c.DaemonStatus(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}
