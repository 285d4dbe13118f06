package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

// clientInfo identifies the gateway during the initialize handshake.
var clientInfo = mcp.ClientInfo{Name: "pbmcp-gateway", Version: "1.0"}

// Handshake performs the MCP initialize sequence on a freshly connected
// adapter and returns the negotiated protocol version.
//
// For tolerance of historical servers the gateway sends both "initialized"
// and "notifications/initialized" after the initialize response. The final
// tools/list call only verifies liveness: "method not found" is acceptable,
// and any other error is logged as a warning without aborting.
func Handshake(ctx context.Context, adapter transport.Adapter) (string, error) {
	req, err := mcp.NewRequest("initialize", mcp.InitializeParams{
		ProtocolVersion: mcp.LatestProtocolVersion(),
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo,
	}, transport.GenerateID())
	if err != nil {
		return "", err
	}

	resp, err := adapter.SendAndReceive(ctx, req)
	if err != nil {
		return "", fmt.Errorf("initialize failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("initialize rejected: %s", resp.Error.Message)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to parse initialize result: %w", err)
	}

	version := result.ProtocolVersion
	if version == "" {
		version = mcp.LatestProtocolVersion()
	} else if !slices.Contains(mcp.ProtocolVersions, version) {
		logger.Warnf("Backend negotiated unknown protocol version %q", version)
	}

	for _, method := range []string{"initialized", "notifications/initialized"} {
		note, noteErr := mcp.NewNotification(method, nil)
		if noteErr != nil {
			return "", noteErr
		}
		if sendErr := adapter.Send(ctx, note); sendErr != nil {
			return "", fmt.Errorf("failed to send %s: %w", method, sendErr)
		}
	}

	verifyTools(ctx, adapter)
	return version, nil
}

// verifyTools issues a tools/list call to confirm the backend answers
// requests after initialize.
func verifyTools(ctx context.Context, adapter transport.Adapter) {
	req, err := mcp.NewRequest("tools/list", nil, transport.GenerateID())
	if err != nil {
		return
	}
	resp, err := adapter.SendAndReceive(ctx, req)
	if err != nil {
		logger.Warnw("Post-initialize verification call failed", "error", err)
		return
	}
	if resp.Error != nil && resp.Error.Code != mcp.CodeMethodNotFound {
		logger.Warnw("Backend rejected tools/list after initialize",
			"code", resp.Error.Code, "message", resp.Error.Message)
	}
}
