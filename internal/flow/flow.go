package flow

import (
	"net/http"
	"time"
)

type RequestData struct {
	URL     string      `json:"url"`
	Method  string      `json:"method"`
	Headers http.Header `json:"headers"`
	Body    string      `json:"body"`
}

type ResponseData struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    string      `json:"body"`
}

// Flow is one observed (or synthesized) request/response exchange. Identity
// never changes after creation; everything else is replaced on each live
// exchange for the same identity.
type Flow struct {
	ID         string        `json:"id"`
	Identity   Identity      `json:"identity"`
	Request    RequestData   `json:"request"`
	Response   *ResponseData `json:"response,omitempty"`
	Override   *Override     `json:"override,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	LastSeenAt time.Time     `json:"last_seen_at"`
	// Sequence orders flows for display, assigned by the store.
	Sequence uint64 `json:"sequence"`
}

// Summary is the list-view projection served by the control surface.
type Summary struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	Status     int       `json:"status,omitempty"`
	Overridden bool      `json:"overridden"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Sequence   uint64    `json:"sequence"`
}

func (f *Flow) Summary() Summary {
	s := Summary{
		ID:         f.ID,
		Key:        f.Identity.Key(),
		URL:        f.Request.URL,
		Method:     f.Request.Method,
		Overridden: f.Override != nil,
		LastSeenAt: f.LastSeenAt,
		Sequence:   f.Sequence,
	}
	if f.Response != nil {
		s.Status = f.Response.Status
	}
	return s
}

// Clone returns a deep enough copy for handing to other goroutines: headers
// and override are duplicated, string bodies are immutable anyway.
func (f *Flow) Clone() *Flow {
	c := *f
	c.Request.Headers = cloneHeader(f.Request.Headers)
	if f.Response != nil {
		resp := *f.Response
		resp.Headers = cloneHeader(f.Response.Headers)
		c.Response = &resp
	}
	if f.Override != nil {
		ov := f.Override.clone()
		c.Override = &ov
	}
	return &c
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}
