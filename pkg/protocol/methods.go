// Package protocol holds the wire schemas spoken with the remote analysis service: the
// request/response documents of the HTTP endpoints and the {type, data} envelope of the push
// channel.
package protocol

import (
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Method is a queueable request-channel operation.
type Method string

const (
	MethodChat    Method = "chat"
	MethodSuggest Method = "suggest"
	MethodAnalyze Method = "analyze"
	MethodProcess Method = "process"
)

var methodPaths = map[Method]string{
	MethodChat:    "/chat",
	MethodSuggest: "/suggest",
	MethodAnalyze: "/analyze",
	MethodProcess: "/process",
}

func (m Method) Valid() bool {
	_, ok := methodPaths[m]
	return ok
}

// Endpoint returns the POST endpoint serving m.
func (m Method) Endpoint() (Endpoint, error) {
	p, ok := methodPaths[m]
	if !ok {
		return Endpoint{}, errors.Errorf("unknown method %q", string(m))
	}
	return Endpoint{Name: string(m), Verb: http.MethodPost, Path: p}, nil
}

// ParseMethod converts a string into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if !m.Valid() {
		return "", errors.Errorf("unknown method %q", s)
	}
	return m, nil
}

// Endpoint is a single HTTP resource of the remote service.
type Endpoint struct {
	Name  string
	Verb  string
	Path  string
	Query url.Values
}

// URL joins the endpoint onto base.
func (e Endpoint) URL(base *url.URL) string {
	u := *base
	u.Path = singleSlashJoin(base.Path, e.Path)
	if len(e.Query) > 0 {
		u.RawQuery = e.Query.Encode()
	} else {
		u.RawQuery = ""
	}
	return u.String()
}

func singleSlashJoin(a, b string) string {
	switch {
	case a == "":
		return b
	case a[len(a)-1] == '/' && len(b) > 0 && b[0] == '/':
		return a + b[1:]
	case a[len(a)-1] != '/' && (len(b) == 0 || b[0] != '/'):
		return a + "/" + b
	}
	return a + b
}

var HealthEndpoint = Endpoint{Name: "health", Verb: http.MethodGet, Path: "/health"}
