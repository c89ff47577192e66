package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Identity is the deterministic key that decides whether two requests are
// "the same flow". It is built from the request line only: method, scheme,
// host, path and the query string with its parameters sorted, so a client
// reordering parameters still hits the same flow. For methods that carry a
// body (POST, PUT, PATCH) a short hash of the body participates as well,
// headers never do.
type Identity struct {
	Method   string `json:"method"`
	Scheme   string `json:"scheme"`
	Host     string `json:"host"`
	Path     string `json:"path"`
	Query    string `json:"query"`
	BodyHash string `json:"body_hash,omitempty"`
}

func NewIdentity(method string, u *url.URL, body []byte) Identity {
	id := Identity{
		Method: strings.ToUpper(method),
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   u.Path,
		Query:  normalizeQuery(u.RawQuery),
	}
	if id.Path == "" {
		id.Path = "/"
	}
	if methodHasBody(id.Method) && len(body) > 0 {
		sum := sha256.Sum256(body)
		id.BodyHash = hex.EncodeToString(sum[:8])
	}
	return id
}

// Key renders the identity as a single stable string, usable as a map key
// and as the flow handle in the API.
func (id Identity) Key() string {
	var b strings.Builder
	b.WriteString(id.Method)
	b.WriteByte(' ')
	b.WriteString(id.Scheme)
	b.WriteString("://")
	b.WriteString(id.Host)
	b.WriteString(id.Path)
	if id.Query != "" {
		b.WriteByte('?')
		b.WriteString(id.Query)
	}
	if id.BodyHash != "" {
		b.WriteByte(' ')
		b.WriteString(id.BodyHash)
	}
	return b.String()
}

func methodHasBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// normalizeQuery sorts query pairs by key, then value. Unparseable queries
// are kept verbatim rather than dropped, so such requests still get a
// stable (if opaque) identity.
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}
