package errreport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitWithoutDSNIsDisabled(t *testing.T) {
	enabled, err := Init(Options{})
	if err != nil || enabled {
		t.Fatalf("expected disabled reporting, got enabled=%v err=%v", enabled, err)
	}
	Capture(errors.New("boom"), map[string]string{"call_sid": "CA1"})
	Capture(nil, nil)
}

func TestRecoverAnswers500(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voice", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRecoverPassesThrough(t *testing.T) {
	h := Recover(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
