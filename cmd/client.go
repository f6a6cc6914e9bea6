package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/callcore/internal/command"
)

// Client 定义所有命令需要的客户端方法，方便 mock
type Client interface {
	Call(ctx context.Context, method string, params any) (*command.Response, error)
}

var (
	cliMu sync.Mutex
	cli   Client
)

// GetClient returns the injected client or a UDS client on --socket.
func GetClient() Client {
	cliMu.Lock()
	defer cliMu.Unlock()
	if cli == nil {
		return command.NewUDSClient(socketPath, 10*time.Second)
	}
	return cli
}

// SetClient injects a client; nil restores the UDS default.
func SetClient(c Client) {
	cliMu.Lock()
	cli = c
	cliMu.Unlock()
}

// call invokes method and turns a JSON-RPC error into a Go error.
func call(ctx context.Context, client Client, method string, params any) (any, error) {
	resp, err := client.Call(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
	}
	return resp.Result, nil
}

// printResult writes v as indented JSON or YAML.
func printResult(out io.Writer, format string, v any) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		return enc.Close()
	case "", "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func callAndPrint(ctx context.Context, client Client, out io.Writer, method string, params any) error {
	result, err := call(ctx, client, method, params)
	if err != nil {
		return err
	}
	return printResult(out, outputFormat, result)
}
