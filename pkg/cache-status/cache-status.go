package cachestatus

import "fmt"

const cacheName = "SaveWise-Offline"

type Status string

const (
	Hit Status = "hit"
	Fwd Status = "fwd"
)

type FwdReason string

const (
	// The request was not subject to caching (API writes, non allow-listed reads,
	// navigations).
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any response for the request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache was consulted but the network is always tried first.
	FwdRequest FwdReason = "request"
)

// CacheStatus describes how a response was produced, as a Cache-Status header value.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// FwdStatus is the status code of the network response, if any.
	FwdStatus int
	// Stored is true if the network response was (scheduled to be) written to a store.
	Stored bool
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = Hit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = Fwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == Fwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.FwdStatus != 0 {
		status = fmt.Sprintf("%s; fwd-status=%d", status, cs.FwdStatus)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
