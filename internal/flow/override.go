package flow

import (
	"net/http"
	"strconv"
)

// Override carries operator-supplied replacement fields for a flow's
// response. Every field is independently optional: a nil field falls back to
// the last live response (or to defaults when the flow was never answered).
type Override struct {
	Status  *int        `json:"status,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    *string     `json:"body,omitempty"`
}

func (o *Override) clone() Override {
	c := Override{Headers: cloneHeader(o.Headers)}
	if o.Status != nil {
		v := *o.Status
		c.Status = &v
	}
	if o.Body != nil {
		v := *o.Body
		c.Body = &v
	}
	return c
}

// Merge applies the override on top of the last live response and returns
// the response to serve. base may be nil (flow overridden before any live
// exchange); defaults are then 200 with an empty body.
func (o *Override) Merge(base *ResponseData) ResponseData {
	out := ResponseData{Status: http.StatusOK, Headers: http.Header{}}
	if base != nil {
		out.Status = base.Status
		out.Headers = cloneHeader(base.Headers)
		out.Body = base.Body
		if out.Headers == nil {
			out.Headers = http.Header{}
		}
	}
	if o.Status != nil {
		out.Status = *o.Status
	}
	if o.Headers != nil {
		for k, vv := range o.Headers {
			out.Headers[http.CanonicalHeaderKey(k)] = append([]string(nil), vv...)
		}
	}
	if o.Body != nil {
		out.Body = *o.Body
	}
	// the synthesized body may differ from the recorded one
	out.Headers.Set("Content-Length", strconv.Itoa(len(out.Body)))
	out.Headers.Del("Transfer-Encoding")
	out.Headers.Del("Content-Encoding")
	return out
}
