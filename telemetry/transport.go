package telemetry

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// Remote call outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeThrottled = "throttled"
	OutcomeClient    = "4xx"
	OutcomeServer    = "5xx"
	OutcomeError     = "error"
	OutcomeCanceled  = "canceled"
)

// InstrumentedTransport records a remote call metric for every round trip to
// the remote file API or identity provider. The call is recorded once the
// response body is drained or closed so the duration covers the transfer.
type InstrumentedTransport struct {
	base    http.RoundTripper
	service string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
func NewInstrumentedTransport(base http.RoundTripper, service string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, service: service}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := OutcomeError
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		RecordRemoteCall(ctx, t.service, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		record: func(n int64) {
			RecordRemoteCall(ctx, t.service, time.Since(start), n, RemoteOutcome(resp.StatusCode))
		},
	}
	return resp, nil
}

// RemoteOutcome classifies a response status. 429 is reported separately
// since the remote API throttles uploads under load.
func RemoteOutcome(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return OutcomeThrottled
	case status >= 500:
		return OutcomeServer
	case status >= 400:
		return OutcomeClient
	default:
		return OutcomeSuccess
	}
}

// meteredBody counts bytes read and calls record once, on EOF or Close.
type meteredBody struct {
	io.ReadCloser
	n      int64
	once   sync.Once
	record func(n int64)
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if errors.Is(err, io.EOF) {
		b.done()
	}
	return n, err
}

func (b *meteredBody) Close() error {
	b.done()
	return b.ReadCloser.Close()
}

func (b *meteredBody) done() {
	b.once.Do(func() { b.record(b.n) })
}
