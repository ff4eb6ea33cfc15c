package offline

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

const (
	MessageActionOffline = "This action requires an internet connection"
	MessageNoCachedData  = "No cached data available"
)

type offlineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// offlineJSON is the synthesized answer for API requests that cannot reach the network.
func offlineJSON(r *http.Request, message string) *http.Response {
	body, err := json.Marshal(offlineError{Error: "Offline", Message: message})
	if err != nil {
		panic(err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return newResponse(r, http.StatusServiceUnavailable, header, body)
}

// offlineText is the synthesized answer for pages and assets that cannot reach the network.
func offlineText(r *http.Request) *http.Response {
	return newResponse(r, http.StatusServiceUnavailable, http.Header{}, []byte("Offline"))
}

// badGateway is returned when the network fails for a request the offline policy does not cover.
func badGateway(r *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return newResponse(r, http.StatusBadGateway, header, []byte("Could not connect to origin"))
}

func newResponse(r *http.Request, status int, header http.Header, body []byte) *http.Response {
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Request:       r,
	}
}
