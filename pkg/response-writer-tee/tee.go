// Package tee records what an http.Handler writes so that it can be handed
// on as a client-side *http.Response.
package tee

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

type ResponseSaver struct {
	header http.Header
	body   bytes.Buffer
	// zero until the header is written
	status int
}

func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{header: make(http.Header)}
}

func (s *ResponseSaver) Header() http.Header {
	return s.header
}

// WriteHeader records the status code. Only the first call counts.
func (s *ResponseSaver) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
}

func (s *ResponseSaver) Write(p []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	return s.body.Write(p)
}

// StatusCode is 200 if the handler never wrote a header.
func (s *ResponseSaver) StatusCode() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Response converts the recording into a client-side response to r. The
// body is a copy, the recorder may be reused.
func (s *ResponseSaver) Response(r *http.Request) *http.Response {
	code := s.StatusCode()
	body := bytes.Clone(s.body.Bytes())
	if body == nil {
		body = []byte{}
	}
	return &http.Response{
		Status:        strconv.Itoa(code) + " " + http.StatusText(code),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.header.Clone(),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Request:       r,
	}
}
