package metrics

import (
	"bufio"
	"expvar"
	"net"
	"net/http"
	"strconv"
)

var (
	// AppResponses counts responses served by this process, by status code.
	AppResponses = expvar.NewMap("app_http_responses_total")

	// UpstreamResponses counts responses received from upstreams, by status code.
	UpstreamResponses = expvar.NewMap("upstream_http_responses_total")

	// StreamSubscribers tracks currently connected stream subscribers.
	StreamSubscribers = expvar.NewInt("stream_subscribers")
)

// CountResponse increments the per-status-code counter in m.
func CountResponse(m *expvar.Map, code int) {
	if m == nil {
		return
	}
	m.Add(strconv.Itoa(code), 1)
}

// Transport records upstream HTTP response codes into a counter map.
type Transport struct {
	Base    http.RoundTripper
	Counter *expvar.Map
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp != nil {
		CountResponse(t.Counter, resp.StatusCode)
	}
	return resp, nil
}

// StatusRecorder captures the status code written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *StatusRecorder) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so streaming handlers keep
// working behind the recorder.
func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the underlying writer so WebSocket upgrades keep
// working behind the recorder.
func (r *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Handler serves the expvar variables as JSON.
func Handler() http.Handler {
	return expvar.Handler()
}
