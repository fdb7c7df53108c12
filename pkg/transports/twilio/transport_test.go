package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHealth(t *testing.T) {
	tr := New(Config{}, Options{})
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandleVoiceStreamsToRequestHost(t *testing.T) {
	tr := New(Config{VoiceGreeting: "Connecting you now & recording"}, Options{})
	req := httptest.NewRequest(http.MethodPost, "http://example.com/voice", strings.NewReader("CallSid=CA1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("expected text/xml, got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<Stream url="wss://example.com/twilio"/>`) {
		t.Fatalf("expected stream url for example.com, got %s", body)
	}
	if !strings.Contains(body, "<Say>Connecting you now &amp; recording</Say>") {
		t.Fatalf("expected escaped greeting, got %s", body)
	}
}

func TestHandleVoiceWithoutGreeting(t *testing.T) {
	tr := New(Config{VoiceGreeting: "   "}, Options{})
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.com/voice", nil))
	body := rec.Body.String()
	if strings.Contains(body, "<Say") {
		t.Fatalf("blank greeting should not be spoken, got %s", body)
	}
	if !strings.HasPrefix(body, `<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream`) {
		t.Fatalf("unexpected twiml %s", body)
	}
}

func TestHandleVoicePublicURLOverridesHost(t *testing.T) {
	tr := New(Config{PublicURL: "https://relay.example.org/"}, Options{})
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://internal:8080/voice", nil))
	if !strings.Contains(rec.Body.String(), "wss://relay.example.org/twilio") {
		t.Fatalf("expected public url in twiml, got %s", rec.Body.String())
	}
}

func TestHandleVoiceRejectsGet(t *testing.T) {
	tr := New(Config{}, Options{})
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voice", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", ValidateSignature: true}
	tr := New(cfg, Options{})

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestSignatureIgnoredWhenValidationDisabled(t *testing.T) {
	tr := New(Config{AuthToken: "token"}, Options{})
	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", nil)
	req.Header.Set("X-Twilio-Signature", "invalid")
	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with validation off, got %d", w.Code)
	}
}

func dialRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/twilio"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatalf("server did not close the socket")
			}
			return
		}
	}
}

func TestRelayWebSocketEndToEnd(t *testing.T) {
	opener := &fakeOpener{}
	tr := New(Config{}, Options{Open: opener.open})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	conn := dialRelay(t, srv)
	defer conn.Close()
	send := func(msg []byte) {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send([]byte(`{"event":"connected","protocol":"Call"}`))
	send(mediaMsg([]byte{0x00}))
	send(startMsg("CA123"))
	for i := 0; i < 10; i++ {
		send(mediaMsg([]byte{byte(i), 0xFF}))
	}
	send(stopMsg)
	waitClosed(t, conn)

	if err := tr.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	recs := opener.opened()
	if len(recs) != 1 {
		t.Fatalf("expected one recognition, got %d", len(recs))
	}
	fed, closes := recs[0].snapshot()
	if len(fed) != 10 || closes != 1 {
		t.Fatalf("expected 10 feeds and one close, got %d feeds %d closes", len(fed), closes)
	}
	if tr.ActiveCalls() != 0 {
		t.Fatalf("expected no active calls after drain")
	}
}

func TestRelayClientDisconnectTearsDown(t *testing.T) {
	opener := &fakeOpener{}
	tr := New(Config{}, Options{Open: opener.open})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	conn := dialRelay(t, srv)
	_ = conn.WriteMessage(websocket.TextMessage, startMsg("CA9"))
	_ = conn.WriteMessage(websocket.TextMessage, mediaMsg([]byte{1, 2}))
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		recs := opener.opened()
		if len(recs) == 1 {
			if _, closes := recs[0].snapshot(); closes == 1 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("recognition not closed after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = tr.Drain()
}

func TestStatusCallbackClosesCall(t *testing.T) {
	opener := &fakeOpener{}
	tr := New(Config{}, Options{Open: opener.open})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	conn := dialRelay(t, srv)
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, startMsg("CA555"))

	deadline := time.Now().Add(2 * time.Second)
	for !tr.hasCallSID("CA555") {
		if time.Now().After(deadline) {
			t.Fatalf("call never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	form := url.Values{"CallSid": {"CA555"}, "CallStatus": {"completed"}}
	resp, err := http.PostForm(srv.URL+"/status", form)
	if err != nil {
		t.Fatalf("status post: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	waitClosed(t, conn)
	_ = tr.Drain()
	if _, closes := opener.opened()[0].snapshot(); closes != 1 {
		t.Fatalf("expected recognition closed by status callback")
	}
}

func TestDrainRefusesNewStreams(t *testing.T) {
	tr := New(Config{}, Options{Open: (&fakeOpener{}).open})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	if err := tr.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/twilio"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestMetricsRouteMounted(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("relay_events_total 1"))
	})
	tr := New(Config{}, Options{MetricsHandler: metricsHandler})
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "relay_events_total") {
		t.Fatalf("expected metrics body, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	tests := map[string]string{
		"":            "",
		"in-progress": "",
		"completed":   "completed",
		"busy":        "busy",
		"no-answer":   "no_answer",
		"canceled":    "failed",
		"weird":       "unknown",
	}
	for in, want := range tests {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func (t *Transport) hasCallSID(callSID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.callSIDs[callSID]
	return ok
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
