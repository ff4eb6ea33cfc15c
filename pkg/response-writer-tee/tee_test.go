package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResponseSaverRecordsResponse(t *testing.T) {
	saver := NewResponseSaver()
	saver.Header().Set("Content-Type", "application/json")
	saver.WriteHeader(http.StatusCreated)
	saver.Write([]byte(`{"id":7}`))

	req := httptest.NewRequest("POST", "/api/transactions", nil)
	res := saver.Response(req)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if body, _ := io.ReadAll(res.Body); string(body) != `{"id":7}` {
		t.Fatalf("Body is %s", body)
	}
	if res.ContentLength != 8 {
		t.Fatalf("Content length is %d", res.ContentLength)
	}
	if res.Request != req {
		t.Fatal("Request not set on response")
	}
}

func TestResponseSaverDefaultsToOK(t *testing.T) {
	saver := NewResponseSaver()
	saver.Write([]byte("hello"))
	if saver.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", saver.StatusCode())
	}
}

func TestResponseSaverFirstHeaderWins(t *testing.T) {
	saver := NewResponseSaver()
	saver.WriteHeader(http.StatusNotFound)
	saver.WriteHeader(http.StatusOK)
	saver.Write([]byte("not here"))

	res := saver.Response(nil)
	if res.StatusCode != http.StatusNotFound || res.Status != "404 Not Found" {
		t.Fatalf("Status is %s", res.Status)
	}
}

func TestResponseSaverResponseIsACopy(t *testing.T) {
	saver := NewResponseSaver()
	saver.Header().Set("X-Test", "yes")
	first := saver.Response(nil)
	saver.Header().Set("X-Test", "changed")
	saver.Write([]byte("later"))

	if first.Header.Get("X-Test") != "yes" {
		t.Fatalf("Header changed: %+v", first.Header)
	}
	if body, _ := io.ReadAll(first.Body); len(body) != 0 {
		t.Fatalf("Body is %s", body)
	}
}
