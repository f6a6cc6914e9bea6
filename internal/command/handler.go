// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"firestige.xyz/callcore/internal/channel"
	"firestige.xyz/callcore/internal/chat"
	"firestige.xyz/callcore/internal/msrp"
)

// Version is reported by daemon_status.
const Version = "0.1.0"

// CommandHandler handles control plane commands.
type CommandHandler struct {
	channels       *channel.Registry
	engine         *msrp.Engine // nil when MSRP is disabled
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      int64  // Unix timestamp of daemon start for uptime calc

	// originated channels run their text loop under runCtx
	runCtx    context.Context
	runCancel context.CancelFunc
	runs      conc.WaitGroup
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(channels *channel.Registry, engine *msrp.Engine, reloader ConfigReloader) *CommandHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandHandler{
		channels:       channels,
		engine:         engine,
		configReloader: reloader,
		startTime:      time.Now().Unix(),
		runCtx:         ctx,
		runCancel:      cancel,
	}
}

// Close stops the text loops of originated channels, hanging those channels
// up, and waits for the loops to return.
func (h *CommandHandler) Close() {
	h.runCancel()
	h.runs.Wait()
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "channel_list", "channel_hangup"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`               // matches request ID
	Result any        `json:"result,omitempty"` // success result
	Error  *ErrorInfo `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
	ErrCodeNotFound       = -32004 // Channel or session does not exist
)

func errorResponse(id string, code int, format string, args ...any) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}}
}

func decodeParams(cmd Command, v any) *Response {
	if len(cmd.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Params, v); err != nil {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
		return &resp
	}
	return nil
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "daemon_status":
		return h.handleDaemonStatus(ctx, cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(ctx, cmd)
	case "config_reload":
		return h.handleConfigReload(ctx, cmd)
	case "channel_list":
		return h.handleChannelList(ctx, cmd)
	case "channel_show":
		return h.handleChannelShow(ctx, cmd)
	case "channel_hangup":
		return h.handleChannelHangup(ctx, cmd)
	case "channel_originate":
		return h.handleChannelOriginate(ctx, cmd)
	case "session_list":
		return h.handleSessionList(ctx, cmd)
	case "session_send":
		return h.handleSessionSend(ctx, cmd)
	case "msrp_debug":
		return h.handleMSRPDebug(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	result := map[string]any{
		"version":    Version,
		"uptime_sec": time.Now().Unix() - h.startTime,
		"channels":   h.channels.Count(),
	}
	if h.engine != nil {
		result["sessions"] = len(h.engine.Sessions())
		result["msrp_debug"] = h.engine.Debug()
		result["transactions"] = h.engine.Outstanding()
		if a := h.engine.Addr(false); a != nil {
			result["msrp_listen"] = a.String()
		}
		if a := h.engine.Addr(true); a != nil {
			result["msrps_listen"] = a.String()
		}
	}
	return Response{ID: cmd.ID, Result: result}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{ID: cmd.ID, Result: map[string]any{"status": "shutting_down"}}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "reload config failed: %v", err)
	}
	return Response{ID: cmd.ID, Result: map[string]any{"status": "reloaded"}}
}

// ─── Channels ──────────────────────────────────────────────────────────────

func (h *CommandHandler) handleChannelList(_ context.Context, cmd Command) Response {
	chans := h.channels.List()
	infos := make([]channel.Info, 0, len(chans))
	for _, ch := range chans {
		infos = append(infos, ch.Info())
	}
	return Response{ID: cmd.ID, Result: map[string]any{"channels": infos, "count": len(infos)}}
}

// ChannelParams selects a channel.
type ChannelParams struct {
	UUID string `json:"uuid"`
}

func (h *CommandHandler) locate(cmd Command, params *ChannelParams) (*channel.Channel, *Response) {
	if resp := decodeParams(cmd, params); resp != nil {
		return nil, resp
	}
	if params.UUID == "" {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, "uuid is required")
		return nil, &resp
	}
	ch, ok := h.channels.Locate(params.UUID)
	if !ok {
		resp := errorResponse(cmd.ID, ErrCodeNotFound, "channel %s not found", params.UUID)
		return nil, &resp
	}
	return ch, nil
}

func (h *CommandHandler) handleChannelShow(_ context.Context, cmd Command) Response {
	var params ChannelParams
	ch, errResp := h.locate(cmd, &params)
	if errResp != nil {
		return *errResp
	}
	return Response{ID: cmd.ID, Result: ch.Info()}
}

// ChannelHangupParams represents parameters for channel_hangup.
type ChannelHangupParams struct {
	UUID  string `json:"uuid"`
	Cause string `json:"cause,omitempty"` // name or Q.850 number, default MANAGER_REQUEST
}

func (h *CommandHandler) handleChannelHangup(_ context.Context, cmd Command) Response {
	var params ChannelHangupParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	ch, errResp := h.locate(cmd, &ChannelParams{})
	if errResp != nil {
		return *errResp
	}

	cause := channel.CauseManagerRequest
	if params.Cause != "" {
		if cause = channel.ParseCause(params.Cause); cause == channel.CauseNone {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, "unknown hangup cause %q", params.Cause)
		}
	}

	ch.Hangup(cause)
	state := ch.AdvanceStates()
	slog.Info("channel_hangup: channel hung up", "uuid", params.UUID, "cause", cause.String())

	return Response{ID: cmd.ID, Result: map[string]any{
		"uuid":  params.UUID,
		"cause": ch.Cause().String(),
		"state": state.String(),
	}}
}

// ChannelOriginateParams represents parameters for channel_originate.
type ChannelOriginateParams struct {
	UUID       string            `json:"uuid,omitempty"` // default: generated
	Name       string            `json:"name,omitempty"` // default: msrp/<uuid>
	RemotePath string            `json:"remote_path,omitempty"`
	Secure     bool              `json:"secure,omitempty"`
	Dial       bool              `json:"dial,omitempty"` // connect to remote_path instead of waiting for the peer
	Echo       bool              `json:"echo,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// handleChannelOriginate creates a text channel bound to a fresh MSRP
// session, answers it and runs its receive loop until the channel hangs up.
func (h *CommandHandler) handleChannelOriginate(_ context.Context, cmd Command) Response {
	if resp := h.requireEngine(cmd); resp != nil {
		return *resp
	}
	var params ChannelOriginateParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.Dial && params.RemotePath == "" {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "dial requires remote_path")
	}
	if params.RemotePath != "" {
		if _, err := msrp.ParseURI(params.RemotePath); err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid remote_path: %v", err)
		}
	}

	if params.UUID == "" {
		params.UUID = uuid.NewString()
	}
	if params.Name == "" {
		params.Name = "msrp/" + params.UUID
	}
	ch, err := h.channels.CreateWithUUID(params.UUID, params.Name)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "%v", err)
	}
	for k, v := range params.Variables {
		ch.SetVariable(k, v)
	}
	if params.Echo {
		ch.SetFlag(channel.FlagTextEcho)
	}
	if err := ch.SetState(channel.StateExecute); err != nil {
		return h.abortOriginate(cmd, ch, channel.CauseNormalTemporaryFailure, err)
	}
	ch.AdvanceStates()

	b, err := chat.Bind(ch, h.engine, chat.Options{Secure: params.Secure, RemotePath: params.RemotePath})
	if err != nil {
		return h.abortOriginate(cmd, ch, channel.CauseNormalTemporaryFailure, err)
	}
	if params.Dial {
		if err := b.Dial(); err != nil {
			return h.abortOriginate(cmd, ch, channel.CauseDestinationOutOfOrder, err)
		}
	}
	if err := ch.MarkAnswered(); err != nil {
		return h.abortOriginate(cmd, ch, channel.CauseNormalTemporaryFailure, err)
	}

	h.runs.Go(func() { h.runChannel(b) })
	slog.Info("channel_originate: channel up", "uuid", ch.UUID(), "local_path", b.Session().LocalPath(), "dial", params.Dial)

	return Response{ID: cmd.ID, Result: map[string]any{
		"uuid":       ch.UUID(),
		"name":       ch.Name(),
		"state":      ch.State().String(),
		"local_path": b.Session().LocalPath(),
	}}
}

func (h *CommandHandler) abortOriginate(cmd Command, ch *channel.Channel, cause channel.Cause, err error) Response {
	ch.Hangup(cause)
	ch.AdvanceStates()
	code := ErrCodeInternalError
	if errors.Is(err, msrp.ErrSessionExists) {
		code = ErrCodeInvalidParams
	}
	return errorResponse(cmd.ID, code, "originate %s: %v", ch.UUID(), err)
}

// runChannel drives the text loop and tears the channel down when it ends.
func (h *CommandHandler) runChannel(b *chat.Binding) {
	ch := b.Channel()
	err := b.Run(h.runCtx)

	cause := channel.CauseNormalClearing
	if errors.Is(err, context.Canceled) {
		cause = channel.CauseSystemShutdown
	}
	ch.Hangup(cause)
	ch.AdvanceStates()
	b.Close()
	slog.Debug("originated channel finished", "uuid", ch.UUID(), "cause", ch.Cause().String())
}

// ─── MSRP ──────────────────────────────────────────────────────────────────

func (h *CommandHandler) requireEngine(cmd Command) *Response {
	if h.engine == nil {
		resp := errorResponse(cmd.ID, ErrCodeInternalError, "msrp engine not running")
		return &resp
	}
	return nil
}

func (h *CommandHandler) handleSessionList(_ context.Context, cmd Command) Response {
	if resp := h.requireEngine(cmd); resp != nil {
		return *resp
	}
	sessions := h.engine.Sessions()
	return Response{ID: cmd.ID, Result: map[string]any{"sessions": sessions, "count": len(sessions)}}
}

// SessionSendParams represents parameters for session_send.
type SessionSendParams struct {
	CallID      string `json:"call_id"`
	ContentType string `json:"content_type,omitempty"` // default text/plain
	Text        string `json:"text"`
}

func (h *CommandHandler) handleSessionSend(_ context.Context, cmd Command) Response {
	if resp := h.requireEngine(cmd); resp != nil {
		return *resp
	}
	var params SessionSendParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.CallID == "" || params.Text == "" {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "call_id and text are required")
	}
	if params.ContentType == "" {
		params.ContentType = "text/plain"
	}

	s, ok := h.engine.Session(params.CallID)
	if !ok {
		return errorResponse(cmd.ID, ErrCodeNotFound, "session %s not found", params.CallID)
	}
	result, err := s.SendText(params.ContentType, []byte(params.Text))
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "send failed: %v", err)
	}
	return Response{ID: cmd.ID, Result: map[string]any{"call_id": params.CallID, "result": result.String()}}
}

// MSRPDebugParams toggles the wire trace.
type MSRPDebugParams struct {
	Enabled bool `json:"enabled"`
}

func (h *CommandHandler) handleMSRPDebug(_ context.Context, cmd Command) Response {
	if resp := h.requireEngine(cmd); resp != nil {
		return *resp
	}
	var params MSRPDebugParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	h.engine.SetDebug(params.Enabled)
	return Response{ID: cmd.ID, Result: map[string]any{"msrp_debug": h.engine.Debug()}}
}
