// Package httpcap implements the "cyfr:http" capability group: a
// component's only path to the network, gated by policy (allowed
// domains/methods), SSRF protection, request/response size ceilings, and
// secret masking on the way out. Grounded on the teacher's sysHTTPImpl in
// system/tee/sys_api.go (marshal request -> OCALL -> unmarshal response)
// and its ECALLType/OCALLType dispatch shape, adapted to wazero host
// functions instead of an SGX ECALL/OCALL bridge.
package httpcap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/cyfrworks/cyfr/system/component"
	"github.com/cyfrworks/cyfr/system/errkind"
	"github.com/cyfrworks/cyfr/system/governor"
	"github.com/cyfrworks/cyfr/system/policy"
	"github.com/cyfrworks/cyfr/system/ratelimit"
	"github.com/cyfrworks/cyfr/system/secretmask"
	"github.com/cyfrworks/cyfr/system/wasmio"
)

// Request is the JSON payload a component passes to the "request" host
// function. Exactly one of Body or Multipart may be present (spec.md
// §4.4 step 1).
type Request struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`          // raw or base64, see BodyEncoding
	BodyEncoding string            `json:"body_encoding,omitempty"` // "", "base64"
	Multipart    []MultipartPart   `json:"multipart,omitempty"`
}

// MultipartPart is one part of a multipart/form-data body a component may
// build. Exactly one of Value or (Filename, Data) should be set: a plain
// form field, or a file field whose content is base64-encoded.
type MultipartPart struct {
	Name        string `json:"name"`
	Value       string `json:"value,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data,omitempty"` // base64, required when Filename is set
}

// Response is the JSON payload returned from the "request" host function.
// Error is encoded as the shared {"type","message"} envelope body (spec.md
// §6) rather than a flat string, so a component can switch on Error.Type
// without parsing a prefix out of a message.
type Response struct {
	Status       int                   `json:"status,omitempty"`
	Headers      map[string]string     `json:"headers,omitempty"`
	Body         string                `json:"body,omitempty"`
	BodyEncoding string                `json:"body_encoding,omitempty"` // "base64" when the body is not valid UTF-8
	Error        *errkind.EnvelopeBody `json:"error,omitempty"`
}

// errResponse encodes err as a Response carrying only the error envelope,
// using kind unless err itself is errkind.Coded.
func errResponse(kind errkind.Kind, err error) Response {
	env := errkind.Encode(kind, err)
	return Response{Error: &env.Error}
}

// Group implements capability.Group for outbound HTTP. One Group instance
// is constructed fresh per execution so its fields can close over that
// execution's identity without any shared mutable state between
// executions.
type Group struct {
	Policy       policy.Policy
	Reference    component.Reference
	UserID       string
	ExecutionID  string
	RateLimiter  *ratelimit.Limiter
	Masker       *secretmask.Masker
	MaxStreams   int
	Fuel         *governor.Fuel

	client *http.Client
}

// NewGroup builds an httpcap.Group wired to its SSRF-guarded transport.
func NewGroup(p policy.Policy, ref component.Reference, userID, executionID string, limiter *ratelimit.Limiter, masker *secretmask.Masker) *Group {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:           safeDialContext(dialer),
		ResponseHeaderTimeout: 30 * time.Second,
	}
	maxStreams := 3

	return &Group{
		Policy:      p,
		Reference:   ref,
		UserID:      userID,
		ExecutionID: executionID,
		RateLimiter: limiter,
		Masker:      masker,
		MaxStreams:  maxStreams,
		client:      &http.Client{Transport: transport},
	}
}

// Namespace implements capability.Group.
func (g *Group) Namespace() string { return "cyfr:http" }

// Version implements capability.Group.
func (g *Group) Version() string { return "1.0.0" }

// Roles implements capability.Group: HTTP is available only to catalysts.
// Reagents are pure computation with no network access of their own, and
// formulas compose other components rather than touching the network
// directly (spec.md §4.3 role matrix).
func (g *Group) Roles() []component.Role {
	return []component.Role{component.RoleCatalyst}
}

// Install implements capability.Group, registering the unary "request"
// function and the streaming trio.
func (g *Group) Install(ctx context.Context, builder wazero.HostModuleBuilder) error {
	streams := newStreamTable(g.MaxStreams)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			return g.handleRequest(ctx, mod, ptr, length)
		}).
		Export("request")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			return g.handleStreamStart(ctx, mod, ptr, length, streams)
		}).
		Export("stream_request")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, handle, maxBytes uint32) uint64 {
			return handleStreamRead(ctx, mod, streams, handle, maxBytes, g.Fuel)
		}).
		Export("stream_read")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, handle uint32) uint32 {
			if err := g.Fuel.Charge(); err != nil {
				return 0
			}
			return handleStreamClose(streams, handle)
		}).
		Export("stream_close")

	return nil
}

func (g *Group) handleRequest(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	resp := g.doRequest(ctx, mod, ptr, length)
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errResponse(errkind.KindInternal, err))
	}
	packed, err := wasmio.WriteResult(mod, out)
	if err != nil {
		return 0
	}
	return packed
}

func (g *Group) doRequest(ctx context.Context, mod api.Module, ptr, length uint32) Response {
	if err := g.Fuel.Charge(); err != nil {
		return errResponse(errkind.KindFuelExhausted, err)
	}

	raw, err := wasmio.ReadBytes(mod, ptr, length)
	if err != nil {
		return errResponse(errkind.KindInvalidRequest, err)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(errkind.KindInvalidJSON, fmt.Errorf("invalid request JSON"))
	}
	if req.Method == "" || req.URL == "" {
		return errResponse(errkind.KindInvalidRequest, fmt.Errorf("method and url are required"))
	}
	if req.Body != "" && len(req.Multipart) > 0 {
		return errResponse(errkind.KindInvalidRequest, fmt.Errorf("exactly one of body or multipart may be present"))
	}

	parsedURL, err := url.Parse(req.URL)
	if err != nil || parsedURL.Hostname() == "" {
		return errResponse(errkind.KindInvalidRequest, fmt.Errorf("invalid url"))
	}

	if err := policy.CheckHTTPRequest(g.Policy, parsedURL.Hostname(), req.Method); err != nil {
		return errResponse(errkind.KindDomainBlocked, err)
	}

	if g.RateLimiter != nil && g.Policy.RateLimit != nil {
		key := ratelimit.Key{UserID: g.UserID, ComponentRef: g.Reference.String()}
		limit := ratelimit.Limit{Requests: g.Policy.RateLimit.Requests, Window: g.Policy.RateLimit.Window}
		if err := g.RateLimiter.Check(key, limit); err != nil {
			return errResponse(errkind.KindRateLimited, err)
		}
	}

	var bodyBytes []byte
	var contentType string

	if len(req.Multipart) > 0 {
		bodyBytes, contentType, err = buildMultipartBody(req.Multipart)
		if err != nil {
			return errResponse(errkind.KindInvalidRequest, err)
		}
		if g.Policy.MaxRequestSize > 0 && int64(len(bodyBytes)) > g.Policy.MaxRequestSize {
			return errResponse(errkind.KindRequestTooLarge, fmt.Errorf("multipart body of %d bytes exceeds limit %d", len(bodyBytes), g.Policy.MaxRequestSize))
		}
	} else {
		bodyBytes, err = decodeBody(req.Body, req.BodyEncoding)
		if err != nil {
			return errResponse(errkind.KindInvalidRequest, err)
		}
		if g.Policy.MaxRequestSize > 0 && int64(len(bodyBytes)) > g.Policy.MaxRequestSize {
			return errResponse(errkind.KindRequestTooLarge, fmt.Errorf("body of %d bytes exceeds limit %d", len(bodyBytes), g.Policy.MaxRequestSize))
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(bodyBytes))
	if err != nil {
		return errResponse(errkind.KindInvalidRequest, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return errResponse(errkind.KindCancelled, fmt.Errorf("request interrupted"))
		}
		return errResponse(errkind.KindNetworkError, classifyDialError(err))
	}
	defer httpResp.Body.Close()

	maxResp := g.Policy.MaxResponseSize
	if maxResp <= 0 {
		maxResp = policy.DefaultMaxResponseSize
	}
	limited := io.LimitReader(httpResp.Body, maxResp+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return errResponse(errkind.KindNetworkError, err)
	}
	if int64(len(respBody)) > maxResp {
		return errResponse(errkind.KindResponseTooLarge, fmt.Errorf("exceeds limit %d bytes", maxResp))
	}

	out := Response{
		Status:  httpResp.StatusCode,
		Headers: flattenHeaders(httpResp.Header),
	}
	if isValidUTF8(respBody) {
		out.Body = string(respBody)
	} else {
		out.Body = base64.StdEncoding.EncodeToString(respBody)
		out.BodyEncoding = "base64"
	}

	if g.Masker != nil && g.Masker.HasSecrets() {
		out.Body = g.Masker.MaskString(out.Body)
		for k, v := range out.Headers {
			out.Headers[k] = g.Masker.MaskString(v)
		}
	}

	return out
}

// classifyDialError unwraps net/http's url.Error wrapping to recover the
// dns_error / private_ip_blocked error the SSRF-guarded dialer produced, so
// the caller's errkind.Encode picks up its Coded kind instead of the
// generic network_error this falls back to for anything else (connection
// refused, TLS failure, timeout that escaped the context check above).
func classifyDialError(err error) error {
	var dnsErr *ErrDNSLookupFailed
	if errors.As(err, &dnsErr) {
		return dnsErr
	}
	var blockedErr *ErrDestinationBlocked
	if errors.As(err, &blockedErr) {
		return blockedErr
	}
	return err
}

func decodeBody(body, encoding string) ([]byte, error) {
	if body == "" {
		return nil, nil
	}
	if encoding == "base64" {
		return base64.StdEncoding.DecodeString(body)
	}
	return []byte(body), nil
}

// buildMultipartBody renders parts into a multipart/form-data body,
// mirroring the field-then-file shape of createMultipartRequest in the
// apiportal client this feature is grounded on: a plain value becomes a
// form field, a Filename+Data part becomes a file field with its own
// Content-Type.
func buildMultipartBody(parts []MultipartPart) ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, part := range parts {
		if part.Name == "" {
			return nil, "", fmt.Errorf("multipart part is missing a name")
		}

		if part.Filename != "" {
			data, err := base64.StdEncoding.DecodeString(part.Data)
			if err != nil {
				return nil, "", fmt.Errorf("multipart part %q: invalid base64 data", part.Name)
			}

			header := make(map[string][]string)
			header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, part.Name, part.Filename)}
			if part.ContentType != "" {
				header["Content-Type"] = []string{part.ContentType}
			}

			fw, err := writer.CreatePart(header)
			if err != nil {
				return nil, "", fmt.Errorf("multipart part %q: %w", part.Name, err)
			}
			if _, err := fw.Write(data); err != nil {
				return nil, "", fmt.Errorf("multipart part %q: %w", part.Name, err)
			}
			continue
		}

		fw, err := writer.CreateFormField(part.Name)
		if err != nil {
			return nil, "", fmt.Errorf("multipart part %q: %w", part.Name, err)
		}
		if _, err := fw.Write([]byte(part.Value)); err != nil {
			return nil, "", fmt.Errorf("multipart part %q: %w", part.Name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize multipart body: %w", err)
	}

	return body.Bytes(), writer.FormDataContentType(), nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}
