// Package bridge pairs the carrier media stream of one live call with the
// conversational agent's socket: audio forwarded both ways, interruptions
// translated to carrier clear frames, teardown of either side closing the
// other.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redialhq/redial/internal/agent"
	"github.com/redialhq/redial/internal/database/models"
	"github.com/redialhq/redial/internal/notify"
)

// stateLookupWait bounds the race between carrier call creation and the
// initiator's call-state write: a missing row gets one more chance after
// this delay. Variable so tests can shrink it.
var stateLookupWait = 2 * time.Second

// paramFirstMessageOverride steers the agent's opening line rather than
// describing the callee; it rides the initiation frame's dedicated field and
// is stripped from the dynamic variables. The call SID never travels as a
// stream parameter — the carrier's start event carries it natively.
const paramFirstMessageOverride = "firstMessageOverride"

// CallStateStore is the slice of the call-state repository the bridge needs.
type CallStateStore interface {
	Get(ctx context.Context, callSID string) (*models.CallState, error)
	Update(ctx context.Context, callSID string, patch models.CallStateUpdate) error
}

// AgentDialer issues signed URLs and opens conversation sockets.
type AgentDialer interface {
	SignedURL(ctx context.Context) (string, error)
	Dial(ctx context.Context, signedURL string) (*agent.Conn, error)
}

// Handler runs one bridge per carrier media stream.
type Handler struct {
	states   CallStateStore
	agents   AgentDialer
	notifier *notify.Notifier
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates a bridge Handler.
func NewHandler(states CallStateStore, agents AgentDialer, notifier *notify.Notifier, registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{
		states:   states,
		agents:   agents,
		notifier: notifier,
		registry: registry,
		logger:   logger.With("subsystem", "bridge"),
	}
}

// Run services one carrier media socket until either side closes. It owns
// both socket handles; when it returns, both are closed.
func (h *Handler) Run(ctx context.Context, carrierWS *websocket.Conn) {
	defer carrierWS.Close()

	session, err := h.awaitStart(carrierWS)
	if err != nil || session == nil {
		return
	}

	logger := h.logger.With("call_sid", session.CallSID, "stream_sid", session.StreamSID)
	logger.Info("stream started")

	state := h.lookupState(ctx, session.CallSID)

	agentConn, err := h.dialAgent(ctx, state)
	if err != nil {
		logger.Error("agent dial failed", "error", err)
		h.notifier.Event(notify.SeverityWarning, "bridge could not reach agent", map[string]string{
			"call_sid": session.CallSID,
			"error":    err.Error(),
		})
		return
	}

	if err := agentConn.SendInitiation(initiationData(session)); err != nil {
		logger.Error("initiation frame failed", "error", err)
		agentConn.Close()
		return
	}

	h.registry.add(session)
	defer h.registry.remove(session.ID)

	h.pump(ctx, session, carrierWS, agentConn, logger)
}

// awaitStart reads carrier frames until the start event. A nil session with
// nil error means the socket closed before any stream started.
func (h *Handler) awaitStart(carrierWS *websocket.Conn) (*Session, error) {
	for {
		var frame carrierFrame
		if err := carrierWS.ReadJSON(&frame); err != nil {
			return nil, err
		}
		switch frame.Event {
		case eventConnected:
			continue
		case eventStart:
			if frame.Start == nil {
				continue
			}
			return newSession(frame.Start), nil
		case eventStop:
			return nil, nil
		}
	}
}

// lookupState resolves the call-state row for the stream, retrying once to
// absorb a status/creation reorder. The bridge can run without a row: the
// stream-connect parameters carry the context.
func (h *Handler) lookupState(ctx context.Context, callSID string) *models.CallState {
	state, err := h.states.Get(ctx, callSID)
	if err != nil {
		h.logger.Warn("call state lookup failed", "call_sid", callSID, "error", err)
		return nil
	}
	if state != nil {
		return state
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(stateLookupWait):
	}

	state, err = h.states.Get(ctx, callSID)
	if err != nil || state == nil {
		h.logger.Warn("no call state for stream", "call_sid", callSID)
		return nil
	}
	return state
}

// dialAgent connects using the pre-fetched signed URL when one exists,
// falling back to a fresh URL when the cached one no longer dials.
func (h *Handler) dialAgent(ctx context.Context, state *models.CallState) (*agent.Conn, error) {
	if state != nil && state.SignedURL != "" {
		conn, err := h.agents.Dial(ctx, state.SignedURL)
		if err == nil {
			return conn, nil
		}
		h.logger.Warn("cached signed url failed, fetching fresh", "error", err)
	}

	signedURL, err := h.agents.SignedURL(ctx)
	if err != nil {
		return nil, err
	}
	return h.agents.Dial(ctx, signedURL)
}

// initiationData builds the agent context frame from the stream-connect
// parameters. Control parameters are stripped; everything else passes
// through opaquely, abrupt-retry fields included.
func initiationData(session *Session) agent.InitiationData {
	vars := make(map[string]string, len(session.Params))
	for k, v := range session.Params {
		if k == paramFirstMessageOverride || v == "" {
			continue
		}
		vars[k] = v
	}
	return agent.InitiationData{
		DynamicVariables:     vars,
		FirstMessageOverride: session.Params[paramFirstMessageOverride],
	}
}

// pump runs the two forwarding loops. Either loop ending closes both
// sockets exactly once and unblocks the other.
func (h *Handler) pump(ctx context.Context, session *Session, carrierWS *websocket.Conn, agentConn *agent.Conn, logger *slog.Logger) {
	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			carrierWS.Close()
			agentConn.Close()
		})
	}
	defer teardown()

	var carrierWriteMu sync.Mutex
	writeCarrier := func(frame carrierFrame) error {
		carrierWriteMu.Lock()
		defer carrierWriteMu.Unlock()
		return carrierWS.WriteJSON(frame)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// carrier → agent
	go func() {
		defer wg.Done()
		defer teardown()
		for {
			var frame carrierFrame
			if err := carrierWS.ReadJSON(&frame); err != nil {
				if !normalCarrierClose(err) {
					logger.Warn("carrier stream closed abnormally", "error", err)
					h.notifier.Event(notify.SeverityWarning, "carrier stream closed abnormally", map[string]string{
						"call_sid": session.CallSID,
						"error":    err.Error(),
					})
				}
				return
			}
			switch frame.Event {
			case eventMedia:
				if frame.Media == nil {
					continue
				}
				if err := agentConn.SendUserAudio(frame.Media.Payload); err != nil {
					return
				}
			case eventStop:
				logger.Info("stream stopped")
				return
			}
		}
	}()

	// agent → carrier
	go func() {
		defer wg.Done()
		defer teardown()
		for {
			frame, err := agentConn.ReadFrame()
			if err != nil {
				if !agent.NormalClose(err) {
					logger.Warn("agent stream closed abnormally", "error", err)
					h.notifier.Event(notify.SeverityWarning, "agent stream closed abnormally", map[string]string{
						"call_sid": session.CallSID,
						"error":    err.Error(),
					})
				}
				return
			}
			switch frame.Type {
			case agent.TypeAudio:
				payload, ok := frame.Audio()
				if !ok {
					continue
				}
				if err := writeCarrier(mediaFrame(session.StreamSID, payload)); err != nil {
					return
				}
			case agent.TypeInterruption:
				if err := writeCarrier(clearFrame(session.StreamSID)); err != nil {
					return
				}
			case agent.TypePing:
				if err := agentConn.SendPong(frame.PingID()); err != nil {
					return
				}
			case agent.TypeInitiationMetadata:
				h.saveConversationID(ctx, session.CallSID, frame.ConversationID(), logger)
			}
		}
	}()

	wg.Wait()
	logger.Info("bridge closed")
}

func (h *Handler) saveConversationID(ctx context.Context, callSID, conversationID string, logger *slog.Logger) {
	if conversationID == "" {
		return
	}
	patch := models.CallStateUpdate{ConversationID: &conversationID}
	if err := h.states.Update(ctx, callSID, patch); err != nil {
		logger.Warn("persisting conversation id failed", "error", err)
	}
}

func normalCarrierClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseGoingAway)
}
