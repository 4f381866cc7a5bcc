package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/stoatlabs/vigil/internal/config"
)

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wsResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// dialDaemon opens an authenticated WebSocket to the local daemon.
func dialDaemon(ctx context.Context, cfg config.Config) (*websocket.Conn, string, error) {
	token, err := loadGatewayToken(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("gateway token: %w", err)
	}
	url := "ws://" + cfg.BindAddr + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w (is the daemon running?)", url, err)
	}
	return conn, token, nil
}

func callDaemon(ctx context.Context, cfg config.Config, method string, params any) (json.RawMessage, error) {
	conn, _, err := dialDaemon(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, wsRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	var resp wsResponse
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

func runBeatCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("beat", flag.ContinueOnError)
	triggerContext := fs.String("context", "", "extra context carried into the heartbeat prompt")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// The ceiling is 55s; leave headroom for the round trip.
	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	result, err := callDaemon(callCtx, cfg, "heartbeat.now", map[string]any{"context": *triggerContext})
	if err != nil {
		fmt.Fprintf(os.Stderr, "beat: %v\n", err)
		return 1
	}
	printJSON(result)
	return 0
}

func runRunsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := callDaemon(callCtx, cfg, "runs.recent", map[string]any{"limit": *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "runs: %v\n", err)
		return 1
	}
	printJSON(result)
	return 0
}

func printJSON(raw json.RawMessage) {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(pretty))
}
