package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/jsleemaster/ranch-agent/internal/event"
	"github.com/jsleemaster/ranch-agent/internal/monitor"
	"github.com/jsleemaster/ranch-agent/internal/snapshot"
)

const (
	TokenHeader     = "X-Ranch-Agent-Token"
	cborContentType = "application/cbor"
	maxFilterBody   = 4 << 10
)

var cborEnc cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	// State and similar enums encode as their names.
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("ws: CBOR encoder initialization failed: " + err.Error())
	}
}

// Backend is the aggregation side the server exposes.
type Backend interface {
	Source
	Snapshot() snapshot.World
	SetFilter(patch snapshot.FilterPatch) snapshot.FilterState
	SelectAgent(id string)
	SelectSkill(skill string)
	SelectZone(id string)
	RecentEvents() []event.Event
	Sources() []monitor.SourceStatus
}

// Status is the /api/status response.
type Status struct {
	StartedAt    time.Time               `json:"startedAt"`
	Uptime       string                  `json:"uptime"`
	Clients      int                     `json:"clients"`
	Queued       int                     `json:"queued"`
	Agents       int                     `json:"agents"`
	Sources      []monitor.SourceStatus  `json:"sources"`
	Processes    *monitor.ProcessSummary `json:"processes,omitempty"`
	ProcessError string                  `json:"processError,omitempty"`
}

type Server struct {
	backend        Backend
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	startedAt      time.Time
	probe          func(ctx context.Context) (monitor.ProcessSummary, error)
}

func NewServer(backend Backend, broadcaster *Broadcaster, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		backend:        backend,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		startedAt:      time.Now(),
		probe:          monitor.ProbeProcesses,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/feed", s.handleFeed)
	mux.HandleFunc("/api/filter", s.handleFilter)
	mux.HandleFunc("/api/events/recent", s.handleRecentEvents)
	mux.HandleFunc("/api/status", s.handleStatus)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("[ws] rejecting %s: %v", r.RemoteAddr, err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("[ws] client %s connected from %s", c.id, r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("[ws] client %s disconnected", c.id)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleClientMessage(c, data)
		}
	}()
}

func (s *Server) handleClientMessage(c *client, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[ws] client %s sent malformed message: %v", c.id, err)
		return
	}
	switch msg.Type {
	case MsgWebviewReady:
		s.broadcaster.Replay(c)
	case MsgSelectAgent:
		s.backend.SelectAgent(deref(msg.AgentID))
	case MsgSelectSkill:
		s.backend.SelectSkill(deref(msg.Skill))
	case MsgSelectZone:
		s.backend.SelectZone(deref(msg.ZoneID))
	default:
		log.Printf("[ws] client %s sent unknown message type %q", c.id, msg.Type)
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	world := s.backend.Snapshot()
	if strings.Contains(r.Header.Get("Accept"), cborContentType) {
		data, err := cborEnc.Marshal(world)
		if err != nil {
			http.Error(w, fmt.Sprintf("encode snapshot: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", cborContentType)
		w.Write(data)
		return
	}
	writeJSON(w, world)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.backend.Feed())
}

// filterRequest mirrors snapshot.FilterState; absent fields are left
// unchanged and null clears a selection.
type filterRequest struct {
	SelectedAgentID json.RawMessage `json:"selectedAgentId"`
	SelectedSkill   json.RawMessage `json:"selectedSkill"`
	SelectedZoneID  json.RawMessage `json:"selectedZoneId"`
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.backend.FilterState())
	case http.MethodPost:
		var req filterRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFilterBody)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid filter: %v", err), http.StatusBadRequest)
			return
		}
		var patch snapshot.FilterPatch
		var err error
		if patch.AgentID, err = patchField(req.SelectedAgentID); err != nil {
			http.Error(w, "invalid selectedAgentId", http.StatusBadRequest)
			return
		}
		skill, err := patchField(req.SelectedSkill)
		if err != nil {
			http.Error(w, "invalid selectedSkill", http.StatusBadRequest)
			return
		}
		if skill != nil {
			v := snapshot.Skill(*skill)
			if v != "" && !v.Valid() {
				http.Error(w, fmt.Sprintf("unknown skill %q", v), http.StatusBadRequest)
				return
			}
			patch.Skill = &v
		}
		if patch.ZoneID, err = patchField(req.SelectedZoneID); err != nil {
			http.Error(w, "invalid selectedZoneId", http.StatusBadRequest)
			return
		}
		writeJSON(w, s.backend.SetFilter(patch))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// patchField decodes an optional string. An absent field yields nil and
// an explicit null yields a pointer to "".
func patchField(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v *string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if v == nil {
		empty := ""
		return &empty, nil
	}
	return v, nil
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.backend.RecentEvents())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	status := Status{
		StartedAt: s.startedAt,
		Uptime:    humanize.RelTime(s.startedAt, time.Now(), "", ""),
		Clients:   s.broadcaster.ClientCount(),
		Queued:    s.broadcaster.QueueLen(),
		Agents:    len(s.backend.Snapshot().Agents),
		Sources:   s.backend.Sources(),
	}
	if status.Sources == nil {
		status.Sources = []monitor.SourceStatus{}
	}
	if s.probe != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		procs, err := s.probe(ctx)
		cancel()
		if err != nil {
			status.ProcessError = err.Error()
		} else {
			status.Processes = &procs
		}
	}
	writeJSON(w, status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ws] encode response: %v", err)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(TokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves handler until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           securityHeaders(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[ws] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
