package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/icholy/digest"
)

const (
	// healthTimeout bounds one proxy health probe.
	healthTimeout = 5 * time.Second

	// maxRPCResponse caps how much of a proxy reply is read.
	maxRPCResponse = 1 << 20
)

// CommandPusher delivers a command frame over a connected control
// socket. The server implements it; a false return means no proxy
// holds a socket and the RPC path should be used instead.
type CommandPusher interface {
	PushCommand(cmd Command) bool
}

// ClientConfig describes the proxy's JSON-RPC interface. Username and
// Password enable HTTP digest auth when set.
type ClientConfig struct {
	RPCURL   string
	Username string
	Password string

	// Domain completes bare numbers into SIP URIs.
	Domain string

	Timeout        time.Duration // per-request, default 10 s
	HealthInterval time.Duration // default 30 s
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Domain == "" {
		c.Domain = "voicebridge.local"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	return c
}

// Client sends commands to the SIP proxy over JSON-RPC 2.0. It serves
// both the call plane (hangup, transfer, DTMF, audio) and the messaging
// plane (MESSAGE origination), and runs a periodic health probe against
// the proxy's dialog list.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger

	pusher CommandPusher

	mu     sync.Mutex
	up     bool
	probed bool
}

// NewClient builds a proxy RPC client. Digest credentials are applied
// as an HTTP transport so the 401 challenge round trip is transparent.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.Username != "" {
		hc.Transport = &digest.Transport{Username: cfg.Username, Password: cfg.Password}
	}
	return &Client{
		cfg:        cfg,
		httpClient: hc,
		logger:     logger.With("component", "signaling"),
	}
}

// Configured reports whether an RPC endpoint is set.
func (c *Client) Configured() bool { return c.cfg.RPCURL != "" }

// SetPusher attaches a control socket for commands that have no RPC
// method. Typically the signaling server.
func (c *Client) SetPusher(p CommandPusher) { c.pusher = p }

// Healthy reports the outcome of the most recent proxy probe.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

// Hangup ends a dialog on the proxy. The reason stays local; the proxy
// only needs the dialog operation.
func (c *Client) Hangup(ctx context.Context, callID, reason string) error {
	c.logger.Debug("hangup via proxy", "call_id", callID, "reason", reason)
	_, err := c.call(ctx, "dlg.dlg_manage", callID, "end")
	return err
}

// Transfer sends a blind REFER for the dialog. Bare numbers are
// completed with the configured domain.
func (c *Client) Transfer(ctx context.Context, callID, target string) error {
	_, err := c.call(ctx, "uac.uac_refer", callID, sipURI(target, c.cfg.Domain), "blind")
	return err
}

// SendDTMF asks the proxy to inject a digit toward the remote party.
func (c *Client) SendDTMF(ctx context.Context, callID, digit string) error {
	_, err := c.call(ctx, "uac.send_dtmf", callID, digit, "rfc2833")
	return err
}

// PlayAudio asks the SIP plane to play an announcement the media plane
// could not resolve locally. A connected control socket gets the
// command directly; otherwise it goes through the dialog RPC.
func (c *Client) PlayAudio(ctx context.Context, callID, audioRef string) error {
	if c.pusher != nil {
		cmd := Command{
			Type:    "command",
			Command: "play_audio",
			CallID:  callID,
			Data:    map[string]any{"ref": audioRef},
		}
		if c.pusher.PushCommand(cmd) {
			return nil
		}
	}
	_, err := c.call(ctx, "dlg.dlg_manage", callID, "play", audioRef)
	return err
}

// Hold sends the proxy-side hold for a dialog, so its dialog state
// matches the media plane's.
func (c *Client) Hold(ctx context.Context, callID string) error {
	_, err := c.call(ctx, "dlg.dlg_manage", callID, "hold")
	return err
}

// Resume reverses Hold.
func (c *Client) Resume(ctx context.Context, callID string) error {
	_, err := c.call(ctx, "dlg.dlg_manage", callID, "resume")
	return err
}

// SendMessage originates a SIP MESSAGE through the proxy. Headers ride
// as a JSON object parameter, matching the proxy's uac interface.
func (c *Client) SendMessage(ctx context.Context, toURI, fromURI, body string, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	hdrs, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("signaling: marshalling message headers: %w", err)
	}
	_, err = c.call(ctx, "uac.uac_req", "MESSAGE", toURI, fromURI, string(hdrs), body)
	return err
}

// OriginateCall asks the proxy to send an INVITE. The proxy supplies
// the SDP on our behalf and reports progress as call events.
func (c *Client) OriginateCall(ctx context.Context, from, to string, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	hdrs, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("signaling: marshalling invite headers: %w", err)
	}
	_, err = c.call(ctx, "uac.uac_req", "INVITE", sipURI(to, c.cfg.Domain), sipURI(from, c.cfg.Domain), string(hdrs), "")
	return err
}

// Dialogs fetches the proxy's active dialog list.
func (c *Client) Dialogs(ctx context.Context) ([]map[string]any, error) {
	result, err := c.call(ctx, "dlg.list")
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var dialogs []map[string]any
	if err := json.Unmarshal(result, &dialogs); err != nil {
		return nil, fmt.Errorf("signaling: decoding dialog list: %w", err)
	}
	return dialogs, nil
}

// Lookup returns the proxy's registration record for a number, or nil
// when the number is not registered.
func (c *Client) Lookup(ctx context.Context, number string) (map[string]any, error) {
	result, err := c.call(ctx, "ul.lookup", "location", number)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var info map[string]any
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("signaling: decoding registration info: %w", err)
	}
	return info, nil
}

// Run probes the proxy until the context ends, logging up/down
// transitions. The first probe runs immediately.
func (c *Client) Run(ctx context.Context) {
	c.checkHealth(ctx)
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Client) checkHealth(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := c.call(probeCtx, "dlg.list")
	up := err == nil

	c.mu.Lock()
	changed := up != c.up || !c.probed
	c.up = up
	c.probed = true
	c.mu.Unlock()

	if !changed {
		return
	}
	if up {
		c.logger.Info("sip proxy reachable", "rpc_url", c.cfg.RPCURL)
	} else {
		c.logger.Warn("sip proxy unreachable", "rpc_url", c.cfg.RPCURL, "error", err)
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC 2.0 exchange. The id is fixed; requests
// are serial per caller and the proxy echoes it back untouched.
func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.cfg.RPCURL == "" {
		return nil, fmt.Errorf("signaling: no rpc endpoint configured")
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("signaling: marshalling %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("signaling: creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signaling: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponse))
	if err != nil {
		return nil, fmt.Errorf("signaling: reading %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signaling: %s returned status %d", method, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("signaling: decoding %s response: %w", method, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("signaling: %s: %w", method, out.Error)
	}
	return out.Result, nil
}

// sipURI completes a bare number into a SIP URI against the domain.
// Already-formed URIs pass through.
func sipURI(number, domain string) string {
	if strings.HasPrefix(number, "sip:") || strings.HasPrefix(number, "sips:") {
		return number
	}
	return fmt.Sprintf("sip:%s@%s", number, domain)
}
