// Package realtimetest provides an in-process fake of the RealLife
// backend: the cookie-session auth endpoints, the paginated REST
// collections, and the event-stream subscribe endpoint with
// Last-Event-ID replay. Tests drive it through the Seed* and Emit
// helpers and point a Client at Server.URL().
package realtimetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/reallife-app/realtime-go/restapi"
)

const (
	sessionCookie = "rl_session"
	refreshCookie = "rl_refresh"
)

var eventStreamMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("text/event-stream"),
}

type eventRecord struct {
	seq   int
	id    string
	event string
	data  []byte
}

// Server is the fake backend. Zero value is not usable; construct with
// NewServer and Close when done.
type Server struct {
	srv        *httptest.Server
	signingKey []byte
	sessionTTL time.Duration

	mu            sync.Mutex
	user          restapi.User
	password      string
	refreshTokens map[string]bool
	refreshCalls  int
	tokenGen      int

	log         []eventRecord
	seq         int
	subscribers map[int]chan eventRecord
	nextSubID   int
	deny401     int

	notifications []restapi.Notification
	hasUnread     bool
	conversations []restapi.ConversationSummary
	pins          map[string][]restapi.Pin

	notificationListCalls int
	conversationListCalls int
	pinListCalls          int
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSessionTTL sets how long issued session tokens stay valid.
// Default one hour; tests exercising refresh use a short TTL or
// ExpireSessions.
func WithSessionTTL(d time.Duration) ServerOption {
	return func(s *Server) { s.sessionTTL = d }
}

// WithCredentials sets the account the login endpoint accepts.
func WithCredentials(user restapi.User, password string) ServerOption {
	return func(s *Server) {
		s.user = user
		s.password = password
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		signingKey:    []byte(uuid.NewString()),
		sessionTTL:    time.Hour,
		user:          restapi.User{UserID: "u1", Username: "ada", Email: "ada@example.test"},
		password:      "hunter2",
		refreshTokens: make(map[string]bool),
		subscribers:   make(map[int]chan eventRecord),
		pins:          make(map[string][]restapi.Pin),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login-cookie", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout-cookie", s.handleLogout)
	mux.HandleFunc("POST /api/auth/refresh-cookie", s.handleRefresh)
	mux.HandleFunc("GET /api/me", s.authed(s.handleMe))
	mux.HandleFunc("GET /api/sse/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /api/notifications", s.authed(s.handleListNotifications))
	mux.HandleFunc("POST /api/notifications/{id}/read", s.authed(s.handleMarkNotificationRead))
	mux.HandleFunc("POST /api/notifications/read-all", s.authed(s.handleMarkAllRead))
	mux.HandleFunc("DELETE /api/notifications/read", s.authed(s.handleClearRead))
	mux.HandleFunc("GET /api/conversations", s.authed(s.handleListConversations))
	mux.HandleFunc("POST /api/conversations/{id}/read", s.authed(s.handleMarkConversationRead))
	mux.HandleFunc("POST /api/conversations/direct", s.authed(s.handleCreateDirect))
	mux.HandleFunc("GET /api/conversations/{id}/pins", s.authed(s.handleListPins))
	mux.HandleFunc("POST /api/pins/{id}/done", s.authed(s.handlePinTransition(restapi.PinStateDone)))
	mux.HandleFunc("POST /api/pins/{id}/cancel", s.authed(s.handlePinTransition(restapi.PinStateCancelled)))
	mux.HandleFunc("POST /api/pins/{id}/dismiss", s.authed(s.handlePinTransition(restapi.PinStateDismissed)))

	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down and severs all open streams.
func (s *Server) Close() {
	s.DropStreams()
	s.srv.Close()
}

// --- test controls ---

// SeedNotifications replaces the notification fixture, newest first.
func (s *Server) SeedNotifications(items []restapi.Notification, hasUnread bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append([]restapi.Notification(nil), items...)
	s.hasUnread = hasUnread
}

// SeedConversations replaces the conversation fixture, most recent first.
func (s *Server) SeedConversations(items []restapi.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append([]restapi.ConversationSummary(nil), items...)
}

// SeedPins replaces the pin fixture for one conversation.
func (s *Server) SeedPins(conversationID string, pins []restapi.Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[conversationID] = append([]restapi.Pin(nil), pins...)
}

// Emit appends an event to the stream log and pushes it to every open
// stream. It returns the event id assigned to the frame.
func (s *Server) Emit(event string, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("realtimetest: marshal emitted payload: %v", err))
	}

	s.mu.Lock()
	s.seq++
	rec := eventRecord{seq: s.seq, id: strconv.Itoa(s.seq), event: event, data: data}
	s.log = append(s.log, rec)
	subs := make([]chan eventRecord, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
		}
	}
	return rec.id
}

// DropStreams severs every open subscribe stream without touching the
// event log, simulating a transport loss. Replay picks up from the
// client's Last-Event-ID.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// ExpireSessions invalidates every session token issued so far. The
// next authenticated request gets a 401; a refresh issues a token of
// the new generation.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenGen++
}

// DenyRefresh makes the next n refresh attempts fail with 401, used to
// drive the session-expired path.
func (s *Server) DenyRefresh(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny401 = n
}

// RefreshCalls reports how many refresh requests the server served,
// denied ones included.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// ListCalls reports how many list fetches each collection has served,
// for asserting debounce coalescing.
func (s *Server) ListCalls() (notifications, conversations, pins int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notificationListCalls, s.conversationListCalls, s.pinListCalls
}

// StreamCount reports how many subscribe streams are currently open.
func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// --- auth ---

type sessionClaims struct {
	Gen int `json:"gen"`
	jwt.RegisteredClaims
}

func (s *Server) issueSession(w http.ResponseWriter) {
	s.mu.Lock()
	gen := s.tokenGen
	ttl := s.sessionTTL
	sub := s.user.UserID
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Gen: gen,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		panic(fmt.Sprintf("realtimetest: sign session token: %v", err))
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: signed, Path: "/", HttpOnly: true})
}

func (s *Server) validSession(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return false
	}
	var claims sessionClaims
	_, err = jwt.ParseWithClaims(c.Value, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.signingKey, nil
	})
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return claims.Gen == s.tokenGen
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.validSession(r) {
			writeError(w, http.StatusUnauthorized, "session invalid or expired")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed login body")
		return
	}

	s.mu.Lock()
	ok := body.Email == s.user.Email && body.Password == s.password
	var user restapi.User
	var rt string
	if ok {
		user = s.user
		rt = uuid.NewString()
		s.refreshTokens[rt] = true
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "bad credentials")
		return
	}

	s.issueSession(w)
	http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: rt, Path: "/", HttpOnly: true})
	writeJSON(w, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(refreshCookie); err == nil {
		s.mu.Lock()
		delete(s.refreshTokens, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCalls++
	denied := s.deny401 > 0
	if denied {
		s.deny401--
	}
	s.mu.Unlock()

	if denied {
		writeError(w, http.StatusUnauthorized, "refresh denied")
		return
	}

	c, err := r.Cookie(refreshCookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no refresh token")
		return
	}
	s.mu.Lock()
	ok := s.refreshTokens[c.Value]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "refresh token revoked")
		return
	}

	s.issueSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	writeJSON(w, user)
}

// --- event stream ---

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, "subscribe requires Accept: text/event-stream")
		return
	}
	if !s.validSession(r) {
		writeError(w, http.StatusUnauthorized, "session invalid or expired")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := make(chan eventRecord, 64)
	s.mu.Lock()
	// Without a Last-Event-ID the stream is live-only; with one, every
	// logged event after that cursor is replayed before live delivery.
	after := s.seq
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if n, err := strconv.Atoi(lastID); err == nil {
			after = n
		}
	}
	subID := s.nextSubID
	s.nextSubID++
	s.subscribers[subID] = ch
	var replay []eventRecord
	for _, rec := range s.log {
		if rec.seq > after {
			replay = append(replay, rec)
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if live, still := s.subscribers[subID]; still {
			delete(s.subscribers, subID)
			close(live)
		}
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, eventRecord{event: "connected", data: []byte(`{}`)})
	for _, rec := range replay {
		writeFrame(w, rec)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, open := <-ch:
			if !open {
				return
			}
			writeFrame(w, rec)
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, rec eventRecord) {
	if rec.id != "" {
		fmt.Fprintf(w, "id: %s\n", rec.id)
	}
	if rec.event != "" {
		fmt.Fprintf(w, "event: %s\n", rec.event)
	}
	fmt.Fprintf(w, "data: %s\n\n", rec.data)
}

// --- REST collections ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	size, cursor := pageParams(r, restapi.DefaultPageSize)

	s.mu.Lock()
	s.notificationListCalls++
	items, next, hasNext := paginate(s.notifications, cursor, size)
	page := restapi.NotificationPage{
		Items:      items,
		NextCursor: next,
		HasNext:    hasNext,
		HasUnread:  s.hasUnread,
	}
	s.mu.Unlock()
	writeJSON(w, page)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	found := false
	for i := range s.notifications {
		if s.notifications[i].NotificationID == id {
			s.notifications[i].Read = true
			found = true
			break
		}
	}
	s.recomputeUnreadLocked()
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "no such notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	updated := 0
	for i := range s.notifications {
		if !s.notifications[i].Read {
			s.notifications[i].Read = true
			updated++
		}
	}
	s.hasUnread = false
	s.mu.Unlock()
	writeJSON(w, map[string]int{"updatedCount": updated})
}

func (s *Server) handleClearRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	kept := s.notifications[:0]
	deleted := 0
	for _, n := range s.notifications {
		if n.Read {
			deleted++
			continue
		}
		kept = append(kept, n)
	}
	s.notifications = kept
	s.mu.Unlock()
	writeJSON(w, map[string]int{"deletedCount": deleted})
}

func (s *Server) recomputeUnreadLocked() {
	s.hasUnread = false
	for _, n := range s.notifications {
		if !n.Read {
			s.hasUnread = true
			return
		}
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	size, cursor := pageParams(r, restapi.DefaultPageSize)

	s.mu.Lock()
	s.conversationListCalls++
	items, next, hasNext := paginate(s.conversations, cursor, size)
	page := restapi.ConversationPage{Items: items, NextCursor: next, HasNext: hasNext}
	s.mu.Unlock()
	writeJSON(w, page)
}

func (s *Server) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	found := false
	for i := range s.conversations {
		if s.conversations[i].ConversationID == id {
			s.conversations[i].UnreadCount = 0
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "no such conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetUserID string `json:"targetUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TargetUserID == "" {
		writeError(w, http.StatusBadRequest, "targetUserId is required")
		return
	}

	conv := restapi.ConversationSummary{
		ConversationID: uuid.NewString(),
		Title:          "direct:" + body.TargetUserID,
		LastMessageAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.conversations = append([]restapi.ConversationSummary{conv}, s.conversations...)
	s.mu.Unlock()
	writeJSON(w, conv)
}

func (s *Server) handleListPins(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	size, _ := pageParams(r, restapi.DefaultPinPageSize)

	s.mu.Lock()
	s.pinListCalls++
	pins := append([]restapi.Pin(nil), s.pins[id]...)
	s.mu.Unlock()
	if len(pins) > size {
		pins = pins[:size]
	}
	writeJSON(w, pins)
}

func (s *Server) handlePinTransition(state string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.mu.Lock()
		var found *restapi.Pin
		for conv, pins := range s.pins {
			for i := range pins {
				if pins[i].PinID == id {
					pins[i].State = state
					found = &pins[i]
					s.pins[conv] = pins
					break
				}
			}
		}
		var out restapi.Pin
		if found != nil {
			out = *found
		}
		s.mu.Unlock()

		if found == nil {
			writeError(w, http.StatusNotFound, "no such pin")
			return
		}
		writeJSON(w, out)
	}
}

// --- helpers ---

func pageParams(r *http.Request, defaultSize int) (size int, cursor string) {
	size = defaultSize
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
		}
	}
	return size, r.URL.Query().Get("cursor")
}

// paginate slices a fixture by numeric offset cursor.
func paginate[T any](all []T, cursor string, size int) (items []T, next string, hasNext bool) {
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n >= 0 {
			start = n
		}
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	items = append([]T(nil), all[start:end]...)
	if end < len(all) {
		return items, strconv.Itoa(end), true
	}
	return items, "", false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
