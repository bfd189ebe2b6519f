// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
)

// maxBodyBytes bounds how much of a request body the credential view will
// buffer. Identity payloads are tiny; anything larger is not ours.
const maxBodyBytes = 1 << 20

// requestView adapts *http.Request to the resolver's transport-agnostic
// credential view. The JSON body is parsed at most once and restored so
// handlers can still read it.
type requestView struct {
	r        *http.Request
	bodyOnce sync.Once
	body     map[string]any
}

func newRequestView(r *http.Request) *requestView {
	return &requestView{r: r}
}

func (v *requestView) Cookie(name string) string {
	cookie, err := v.r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (v *requestView) Header(name string) string {
	return v.r.Header.Get(name)
}

func (v *requestView) BodyField(name string) string {
	v.bodyOnce.Do(v.parseBody)
	value, _ := v.body[name].(string)
	return value
}

func (v *requestView) parseBody() {
	contentType := v.r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return
	}
	data, err := io.ReadAll(io.LimitReader(v.r.Body, maxBodyBytes))
	_ = v.r.Body.Close()
	v.r.Body = io.NopCloser(strings.NewReader(string(data)))
	if err != nil {
		return
	}
	// Malformed bodies resolve as absent fields, not as errors.
	_ = json.Unmarshal(data, &v.body)
}
