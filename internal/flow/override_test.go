package flow

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestOverrideMergePartial(t *testing.T) {
	base := &ResponseData{
		Status:  200,
		Headers: http.Header{"Content-Type": {"application/json"}, "X-Real": {"yes"}},
		Body:    `{"origin":"8.8.8.8"}`,
	}

	ov := Override{Body: strPtr(`{"origin":"1.2.3.4"}`)}
	out := ov.Merge(base)

	assert.Equal(t, 200, out.Status, "unset status falls back to the live response")
	assert.Equal(t, "application/json", out.Headers.Get("Content-Type"))
	assert.Equal(t, "yes", out.Headers.Get("X-Real"))
	assert.Equal(t, `{"origin":"1.2.3.4"}`, out.Body)
	assert.Equal(t, "20", out.Headers.Get("Content-Length"))
}

func TestOverrideMergeStatusAndHeaders(t *testing.T) {
	base := &ResponseData{Status: 200, Headers: http.Header{"X-Real": {"yes"}}, Body: "hello"}

	ov := Override{
		Status:  intPtr(503),
		Headers: http.Header{"x-fake": {"injected"}},
	}
	out := ov.Merge(base)

	assert.Equal(t, 503, out.Status)
	assert.Equal(t, "injected", out.Headers.Get("X-Fake"), "override header keys are canonicalized")
	assert.Equal(t, "yes", out.Headers.Get("X-Real"), "non-overridden headers survive")
	assert.Equal(t, "hello", out.Body, "unset body falls back to the live response")
}

func TestOverrideMergeNilBase(t *testing.T) {
	ov := Override{Body: strPtr("synthetic")}
	out := ov.Merge(nil)

	assert.Equal(t, http.StatusOK, out.Status, "no live response defaults to 200")
	assert.Equal(t, "synthetic", out.Body)
}

func TestOverrideMergeDoesNotMutateBase(t *testing.T) {
	base := &ResponseData{Status: 200, Headers: http.Header{"X-Real": {"yes"}}, Body: "hello"}

	ov := Override{Headers: http.Header{"X-Real": {"no"}}}
	out := ov.Merge(base)

	assert.Equal(t, "no", out.Headers.Get("X-Real"))
	assert.Equal(t, "yes", base.Headers.Get("X-Real"), "merge must never write through to the stored response")
}

func TestOverrideMergeStripsStaleFraming(t *testing.T) {
	base := &ResponseData{
		Status:  200,
		Headers: http.Header{"Transfer-Encoding": {"chunked"}, "Content-Encoding": {"gzip"}},
		Body:    "raw",
	}

	ov := Override{Body: strPtr("edited")}
	out := ov.Merge(base)

	assert.Empty(t, out.Headers.Get("Transfer-Encoding"))
	assert.Empty(t, out.Headers.Get("Content-Encoding"))
}
