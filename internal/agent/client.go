// Package agent talks to the conversational-AI provider: it fetches signed
// streaming URLs over HTTPS and holds the per-call WebSocket conversation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

const (
	signedURLTimeout = 15 * time.Second
	signedURLRetries = 2

	handshakeTimeout = 10 * time.Second
	maxFrameSize     = 1 << 20
)

const signedURLPath = "/v1/convai/conversation/get-signed-url"

// Client issues signed streaming URLs and dials conversation sockets.
type Client struct {
	agentID string
	rest    *resty.Client
	logger  *slog.Logger
}

// NewClient creates a Client for one configured agent.
func NewClient(baseURL, agentID, apiKey string, logger *slog.Logger) *Client {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(signedURLTimeout).
		SetRetryCount(signedURLRetries).
		SetHeader("xi-api-key", apiKey).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == http.StatusRequestTimeout ||
				code == http.StatusTooManyRequests ||
				code >= http.StatusInternalServerError
		})

	return &Client{
		agentID: agentID,
		rest:    rest,
		logger:  logger.With("subsystem", "agent"),
	}
}

// SignedURL fetches a fresh single-use streaming URL for the agent.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	var body struct {
		SignedURL string `json:"signed_url"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("agent_id", c.agentID).
		SetResult(&body).
		Get(signedURLPath)
	if err != nil {
		return "", fmt.Errorf("fetching signed url: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetching signed url: provider returned %s", resp.Status())
	}
	if body.SignedURL == "" {
		return "", fmt.Errorf("fetching signed url: empty url in response")
	}
	return body.SignedURL, nil
}

// Dial opens the conversation socket at the signed URL.
func (c *Client) Dial(ctx context.Context, signedURL string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing agent: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)
	return &Conn{ws: ws}, nil
}

// Conn is one live conversation socket. Writes are serialized with a mutex
// because gorilla/websocket does not support concurrent writers; reads stay
// single-caller by the bridge's contract.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// SendInitiation sends the single context frame that starts the
// conversation. Must be called once, before any audio.
func (c *Conn) SendInitiation(data InitiationData) error {
	frame := initiationFrame{
		Type:                 typeInitiation,
		DynamicVariables:     data.DynamicVariables,
		FirstMessageOverride: data.FirstMessageOverride,
	}
	if err := c.writeJSON(frame); err != nil {
		return fmt.Errorf("sending initiation frame: %w", err)
	}
	return nil
}

// SendUserAudio forwards one base64 caller audio chunk to the agent.
func (c *Conn) SendUserAudio(payloadB64 string) error {
	return c.writeJSON(userAudioFrame{UserAudioChunk: payloadB64})
}

// SendPong replies to a provider ping, echoing its event id.
func (c *Conn) SendPong(eventID int64) error {
	return c.writeJSON(pongFrame{Type: typePong, EventID: eventID})
}

// ReadFrame blocks on the socket and decodes the next frame.
func (c *Conn) ReadFrame() (*ServerFrame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return decodeServerFrame(data)
}

// Close tears the socket down. Safe to call from either pump.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// NormalClose reports whether err is a clean peer close (codes 1000 and
// 1005), which the bridge treats as silent teardown.
func NormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived)
}
