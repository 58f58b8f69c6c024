package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/qorelogic/failsafe/pkg/approval"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/events"
)

// handleApprovalsList returns the L3 queue split into pending and overdue.
// Overdue items also appear in pending; the split is a triage aid, not a
// partition.
func (s *Server) handleApprovalsList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.approvals.Pending(),
		"overdue": s.approvals.Overdue(),
	})
}

type decideBody struct {
	Decision   string   `json:"decision"`
	Conditions []string `json:"conditions,omitempty"`
}

// handleApprovalDecide applies an overseer verdict to a queued request.
// The overseer identity comes from the bearer token, never the body.
func (s *Server) handleApprovalDecide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body decideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteCode(w, contracts.CodeBadJSON, "request body is not valid json")
		return
	}

	item, err := s.approvals.Decide(r.Context(), id, body.Decision, overseerDID(r.Context()), body.Conditions)
	switch {
	case errors.Is(err, approval.ErrBadDecision):
		WriteCode(w, contracts.CodeValidationError, "decision must be APPROVED or REJECTED")
		return
	case errors.Is(err, approval.ErrNotQueued):
		WriteCode(w, contracts.CodeNotFound, "no queued approval with that id")
		return
	case err != nil:
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleLedgerVerify walks the whole chain. This is an O(n) scan; it is an
// operator tool, not a liveness probe.
func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.VerifyChain(r.Context())
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAgentTrust(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	agent, ok := s.trust.Get(did)
	if !ok {
		WriteCode(w, contracts.CodeNotFound, "unknown agent did")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGenomePatterns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": s.genome.FailurePatterns(),
		"archived": s.genome.Len(),
	})
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Operator tokens gate this route; browsers never reach it directly.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamPongWait   = 60 * time.Second
)

// streamTopics are the bus channels mirrored to operator consoles.
var streamTopics = []events.Topic{
	events.TopicRouterMetrics,
	events.TopicSentinelConfidence,
	events.TopicSentinelVerdict,
	events.TopicLedgerAppended,
	events.TopicPolicyReloaded,
}

// handleEventStream upgrades to a websocket and tails the in-process bus.
// All writes happen on this goroutine; the read pump exists only to notice
// the peer going away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		WriteCode(w, contracts.CodeNotInitialized, "event bus is not running")
		return
	}

	// Subscriptions are live before the handshake completes, so a client
	// that dials and immediately triggers an event will see it.
	merged := make(chan events.Event, 64)
	done := make(chan struct{})
	for _, topic := range streamTopics {
		ch, cancel := s.bus.Subscribe(topic)
		defer cancel()
		go func(ch <-chan events.Event) {
			for ev := range ch {
				select {
				case merged <- ev:
				case <-done:
					return
				default:
					// Slow consumer: drop rather than stall the bus.
				}
			}
		}(ch)
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-merged:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
