package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/callcore/internal/command"
)

// MockClient 实现 Client
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Call(ctx context.Context, method string, params any) (*command.Response, error) {
	args := m.Called(ctx, method, params)
	resp, _ := args.Get(0).(*command.Response)
	return resp, args.Error(1)
}

func ok(result any) *command.Response {
	return &command.Response{ID: "1", Result: result}
}

func rpcError(code int, msg string) *command.Response {
	return &command.Response{ID: "1", Error: &command.ErrorInfo{Code: code, Message: msg}}
}

// 表驱动测试
func TestRunReload(t *testing.T) {
	tests := []struct {
		name       string
		resp       *command.Response
		err        error
		wantErr    string
		wantOutput string
	}{
		{
			name:       "成功重载",
			resp:       ok(map[string]any{"status": "reloaded"}),
			wantOutput: "✓ Configuration reloaded successfully",
		},
		{
			name:    "网络错误",
			err:     errors.New("network timeout"),
			wantErr: "network timeout",
		},
		{
			name:    "配置错误",
			resp:    rpcError(command.ErrCodeInternalError, "reload config failed: bad yaml"),
			wantErr: "bad yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On("Call", mock.Anything, "config_reload", nil).Return(tt.resp, tt.err)

			var buf bytes.Buffer
			err := runReload(context.Background(), mockClient, &buf)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "failed to reload")
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Empty(t, buf.String())
			} else {
				require.NoError(t, err)
				assert.Contains(t, buf.String(), tt.wantOutput)
			}
			mockClient.AssertExpectations(t)
		})
	}
}

func TestRunStop(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, "daemon_shutdown", nil).
		Return(ok(map[string]any{"status": "shutting_down"}), nil)

	var buf bytes.Buffer
	require.NoError(t, runStop(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), "shutting down")
	mockClient.AssertExpectations(t)
}

func TestRunChannelHangup(t *testing.T) {
	mockClient := new(MockClient)
	params := command.ChannelHangupParams{UUID: "abc", Cause: "CALL_REJECTED"}
	mockClient.On("Call", mock.Anything, "channel_hangup", params).
		Return(ok(map[string]any{"uuid": "abc", "cause": "CALL_REJECTED"}), nil)
	mockClient.On("Call", mock.Anything, "channel_hangup", command.ChannelHangupParams{UUID: "gone"}).
		Return(rpcError(command.ErrCodeNotFound, "channel gone not found"), nil)

	var buf bytes.Buffer
	require.NoError(t, runChannelHangup(context.Background(), mockClient, &buf, "abc", "CALL_REJECTED"))
	assert.Equal(t, "✓ Channel abc hung up (CALL_REJECTED)\n", buf.String())

	err := runChannelHangup(context.Background(), mockClient, &buf, "gone", "")
	require.Error(t, err)
	var info *command.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, command.ErrCodeNotFound, info.Code)
	mockClient.AssertExpectations(t)
}

func TestRunChannelOriginate(t *testing.T) {
	mockClient := new(MockClient)
	params := command.ChannelOriginateParams{RemotePath: "msrp://10.0.0.5:2855/far;tcp", Dial: true}
	mockClient.On("Call", mock.Anything, "channel_originate", params).
		Return(ok(map[string]any{"uuid": "abc", "local_path": "msrp://h:2855/abc;tcp"}), nil)
	mockClient.On("Call", mock.Anything, "channel_originate", command.ChannelOriginateParams{Dial: true}).
		Return(rpcError(command.ErrCodeInvalidParams, "dial requires remote_path"), nil)

	var buf bytes.Buffer
	require.NoError(t, runChannelOriginate(context.Background(), mockClient, &buf, params))
	assert.Equal(t, "✓ Channel abc up\n  local_path: msrp://h:2855/abc;tcp\n", buf.String())

	err := runChannelOriginate(context.Background(), mockClient, &buf, command.ChannelOriginateParams{Dial: true})
	var info *command.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, command.ErrCodeInvalidParams, info.Code)
	mockClient.AssertExpectations(t)
}

func TestRunSessionSend(t *testing.T) {
	mockClient := new(MockClient)
	params := command.SessionSendParams{CallID: "call-1", ContentType: "text/plain", Text: "hello there"}
	mockClient.On("Call", mock.Anything, "session_send", params).
		Return(ok(map[string]any{"call_id": "call-1", "result": "buffered"}), nil)

	var buf bytes.Buffer
	require.NoError(t, runSessionSend(context.Background(), mockClient, &buf, params))
	assert.Equal(t, "call-1: buffered\n", buf.String())
}

func TestRunMSRPDebug(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, "msrp_debug", command.MSRPDebugParams{Enabled: true}).
		Return(ok(map[string]any{"msrp_debug": true}), nil)
	mockClient.On("Call", mock.Anything, "msrp_debug", command.MSRPDebugParams{Enabled: false}).
		Return(ok(map[string]any{"msrp_debug": false}), nil)

	var buf bytes.Buffer
	require.NoError(t, runMSRPDebug(context.Background(), mockClient, &buf, "on"))
	require.NoError(t, runMSRPDebug(context.Background(), mockClient, &buf, "OFF"))
	assert.Equal(t, "✓ MSRP wire trace on\n✓ MSRP wire trace off\n", buf.String())

	assert.Error(t, runMSRPDebug(context.Background(), mockClient, &buf, "maybe"))
	mockClient.AssertNumberOfCalls(t, "Call", 2)
}

func TestPrintResult(t *testing.T) {
	v := map[string]any{"count": 1, "channels": []string{"a"}}

	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, "json", v))
	assert.JSONEq(t, `{"count":1,"channels":["a"]}`, buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, "yaml", v))
	assert.Contains(t, buf.String(), "count: 1")
	assert.Contains(t, buf.String(), "- a")

	assert.Error(t, printResult(&buf, "xml", v))
}

// 测试 Cobra 命令集成
func TestChannelListCmd_Execute(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, "channel_list", nil).
		Return(ok(map[string]any{"count": 0}), nil)

	original := GetClient()
	SetClient(mockClient)
	defer SetClient(original)

	root := &cobra.Command{Use: "callcore"}
	root.AddCommand(channelCmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"channel", "list"})

	require.NoError(t, root.Execute())
	assert.JSONEq(t, `{"count":0}`, buf.String())
	mockClient.AssertExpectations(t)
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	require.NoError(t, os.WriteFile(good, []byte(`
callcore:
  node:
    hostname: edge-01
  msrp:
    listen_port: 2855
    listen_ssl_port: 0
`), 0644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(good, true, &buf))
	out := buf.String()
	assert.Contains(t, out, `VALID: `+good+` (node "edge-01", msrp 2855/0`)
	assert.Contains(t, out, "callcore:")
	assert.Contains(t, out, "listen_port: 2855")

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("callcore:\n  log:\n    level: loud\n"), 0644))
	err := runValidate(bad, false, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID")
}
