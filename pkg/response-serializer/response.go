package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	responseTimeHeaderName = "Savewise-Response-Time"
	requestTimeHeaderName  = "Savewise-Request-Time"
	requestHeaderName      = "Savewise-Request"
)

type TimedResponse struct {
	Response *http.Response
	// The value of the clock when the request that produced the response was sent.
	RequestTime time.Time
	// The value of the clock when the response was received.
	ResponseTime time.Time
}

// Buffer reads the whole response body into memory and puts a re-readable copy back
// on the response, so that the response can both be stored and sent to the client.
func Buffer(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		res.ContentLength = 0
		return []byte{}, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return body, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response,
// including the request line and timing information needed to restore it.
// The response body is buffered and stays readable afterwards.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	res := sRes.Response
	body, err := Buffer(res)
	if err != nil {
		return nil, err
	}
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(responseTimeHeaderName, strconv.FormatInt(sRes.ResponseTime.UnixNano(), 10))
	header.Set(requestTimeHeaderName, strconv.FormatInt(sRes.RequestTime.UnixNano(), 10))
	if res.Request != nil {
		header.Set(requestHeaderName, res.Request.Method+" "+res.Request.URL.RequestURI())
	}
	out := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	buf := &bytes.Buffer{}
	if err := out.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse restores a response previously serialized with StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	resTime, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored response time: %w", err)
	}
	reqTime, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored request time: %w", err)
	}
	if method, uri, found := strings.Cut(res.Header.Get(requestHeaderName), " "); found {
		if req, err := http.NewRequest(method, uri, nil); err == nil {
			res.Request = req
		}
	}
	// delete extra headers
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(requestTimeHeaderName)
	res.Header.Del(requestHeaderName)
	sRes.Response = res
	sRes.ResponseTime = time.Unix(0, resTime)
	sRes.RequestTime = time.Unix(0, reqTime)
	return sRes, nil
}
