// Package energosbyttest provides an in-process fake of the billing gateway
// for tests.
package energosbyttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// SessionExpiredCode is the err_code the gateway returns for a stale session.
const SessionExpiredCode = 201

// Call is one request seen by the Gateway.
type Call struct {
	Action  string
	Query   string
	Session string
	Form    url.Values
}

// Name returns the proxyquery field, or the query for plain calls.
func (c Call) Name() string {
	if pq := c.Form.Get("proxyquery"); pq != "" {
		return pq
	}
	return c.Query
}

// Gateway mimics the gate_lkcomu endpoint. Handlers are keyed by query name,
// using proxyquery for proxy calls, and return the whole reply.
type Gateway struct {
	t   testing.TB
	srv *httptest.Server

	mu           sync.Mutex
	calls        []Call
	logins       int
	sessions     map[string]bool
	alwaysExpire bool
	loginReply   func(form url.Values) map[string]any
	handlers     map[string]func(form url.Values) map[string]any
}

// NewGateway starts a fake gateway that is closed with the test.
func NewGateway(t testing.TB) *Gateway {
	gw := &Gateway{
		t:        t,
		sessions: make(map[string]bool),
		handlers: make(map[string]func(url.Values) map[string]any),
	}
	gw.srv = httptest.NewServer(http.HandlerFunc(gw.serve))
	t.Cleanup(gw.srv.Close)
	return gw
}

// URL is the base URL to configure the client with.
func (gw *Gateway) URL() string {
	return gw.srv.URL
}

// OK is a successful reply carrying data rows.
func OK(data any) map[string]any {
	return map[string]any{"success": true, "data": data}
}

// Error is a failed reply with the given err_code.
func Error(code int, text string) map[string]any {
	return map[string]any{"success": false, "err_code": code, "err_text": text}
}

// Handle registers a handler returning fixed data rows.
func (gw *Gateway) Handle(name string, data any) {
	gw.HandleFunc(name, func(url.Values) map[string]any { return OK(data) })
}

// HandleFunc registers a handler building the reply from the posted form.
func (gw *Gateway) HandleFunc(name string, fn func(form url.Values) map[string]any) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.handlers[name] = fn
}

// SetLoginReply overrides the reply to auth/login.
func (gw *Gateway) SetLoginReply(fn func(form url.Values) map[string]any) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.loginReply = fn
}

// SetAlwaysExpire makes every non-auth call fail with SessionExpiredCode.
func (gw *Gateway) SetAlwaysExpire(v bool) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.alwaysExpire = v
}

// ExpireSessions invalidates every issued session.
func (gw *Gateway) ExpireSessions() {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.sessions = make(map[string]bool)
}

func (gw *Gateway) LoginCount() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.logins
}

func (gw *Gateway) Calls() []Call {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return append([]Call(nil), gw.calls...)
}

func (gw *Gateway) CallsNamed(name string) []Call {
	var out []Call
	for _, c := range gw.Calls() {
		if c.Name() == name {
			out = append(out, c)
		}
	}
	return out
}

func (gw *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		gw.t.Errorf("failed to parse gateway form: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	call := Call{
		Action:  r.URL.Query().Get("action"),
		Query:   r.URL.Query().Get("query"),
		Session: r.URL.Query().Get("session"),
		Form:    r.PostForm,
	}

	gw.mu.Lock()
	gw.calls = append(gw.calls, call)
	var (
		reply   map[string]any
		handler func(url.Values) map[string]any
	)
	switch {
	case call.Action == "auth" && call.Query == "login":
		gw.logins++
		if gw.loginReply != nil {
			handler = gw.loginReply
			break
		}
		session := fmt.Sprintf("session-%d", gw.logins)
		gw.sessions[session] = true
		reply = OK([]map[string]any{{
			"id_profile": 42,
			"session":    session,
			"new_token":  "token",
		}})
	case gw.alwaysExpire || !gw.sessions[call.Session]:
		reply = Error(SessionExpiredCode, "session expired")
	case call.Query == "Init" || call.Query == "NoticeRoutine":
		// answered automatically unless a test registered its own reply
		if fn, ok := gw.handlers[call.Query]; ok {
			handler = fn
			break
		}
		reply = OK(nil)
	default:
		fn, ok := gw.handlers[call.Name()]
		if !ok {
			gw.mu.Unlock()
			http.Error(w, "unknown query "+call.Name(), http.StatusNotFound)
			return
		}
		handler = fn
	}
	gw.mu.Unlock()

	// handlers may call back into the gateway
	if handler != nil {
		reply = handler(call.Form)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		gw.t.Errorf("failed to encode gateway reply: %v", err)
	}
}
