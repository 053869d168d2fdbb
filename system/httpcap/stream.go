package httpcap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/cyfrworks/cyfr/system/errkind"
	"github.com/cyfrworks/cyfr/system/governor"
	"github.com/cyfrworks/cyfr/system/policy"
	"github.com/cyfrworks/cyfr/system/wasmio"
)

// streamHandle is one open streaming HTTP response a component is reading
// incrementally via stream_read.
type streamHandle struct {
	body   io.ReadCloser
	ctx    context.Context
	status int
	headers map[string]string
}

// streamTable is the per-execution registry of open stream handles,
// capped so one component cannot exhaust host memory by opening an
// unbounded number of concurrent streaming responses.
type streamTable struct {
	mu      sync.Mutex
	handles map[uint32]*streamHandle
	next    uint32
	max     int
}

func newStreamTable(max int) *streamTable {
	if max <= 0 {
		max = 3
	}
	return &streamTable{handles: make(map[uint32]*streamHandle), max: max}
}

func (t *streamTable) open(h *streamHandle) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.handles) >= t.max {
		return 0, errTooManyStreams
	}

	t.next++
	id := t.next
	t.handles[id] = h
	return id, nil
}

func (t *streamTable) get(id uint32) (*streamHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	return h, ok
}

func (t *streamTable) close(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return false
	}
	h.body.Close()
	delete(t.handles, id)
	return true
}

var errTooManyStreams = &streamLimitError{}

type streamLimitError struct{}

func (*streamLimitError) Error() string { return "stream_limit: too many concurrent streams open" }

// ErrorKind implements errkind.Coded.
func (*streamLimitError) ErrorKind() errkind.Kind { return errkind.KindStreamLimit }

func (g *Group) handleStreamStart(ctx context.Context, mod api.Module, ptr, length uint32, streams *streamTable) uint64 {
	resp := g.startStream(ctx, mod, ptr, length, streams)
	out, _ := json.Marshal(resp)
	packed, err := wasmio.WriteResult(mod, out)
	if err != nil {
		return 0
	}
	return packed
}

// streamStartResponse mirrors Response but carries a handle instead of a
// materialized body.
type streamStartResponse struct {
	Handle  uint32                `json:"handle,omitempty"`
	Status  int                   `json:"status,omitempty"`
	Headers map[string]string     `json:"headers,omitempty"`
	Error   *errkind.EnvelopeBody `json:"error,omitempty"`
}

func streamStartErr(kind errkind.Kind, err error) streamStartResponse {
	env := errkind.Encode(kind, err)
	return streamStartResponse{Error: &env.Error}
}

func (g *Group) startStream(ctx context.Context, mod api.Module, ptr, length uint32, streams *streamTable) streamStartResponse {
	if err := g.Fuel.Charge(); err != nil {
		return streamStartErr(errkind.KindFuelExhausted, err)
	}

	raw, err := wasmio.ReadBytes(mod, ptr, length)
	if err != nil {
		return streamStartErr(errkind.KindInvalidRequest, err)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return streamStartErr(errkind.KindInvalidJSON, fmt.Errorf("invalid request JSON"))
	}
	if req.Method == "" || req.URL == "" {
		return streamStartErr(errkind.KindInvalidRequest, fmt.Errorf("method and url are required"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return streamStartErr(errkind.KindInvalidRequest, err)
	}

	if err := policy.CheckHTTPRequest(g.Policy, httpReq.URL.Hostname(), req.Method); err != nil {
		return streamStartErr(errkind.KindDomainBlocked, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return streamStartErr(errkind.KindCancelled, fmt.Errorf("request interrupted"))
		}
		return streamStartErr(errkind.KindNetworkError, classifyDialError(err))
	}

	handle := &streamHandle{body: httpResp.Body, ctx: ctx, status: httpResp.StatusCode, headers: flattenHeaders(httpResp.Header)}
	id, err := streams.open(handle)
	if err != nil {
		httpResp.Body.Close()
		return streamStartErr(errkind.KindStreamLimit, err)
	}

	return streamStartResponse{Handle: id, Status: httpResp.StatusCode, Headers: handle.headers}
}

// streamReadResponse is returned from stream_read.
type streamReadResponse struct {
	Data  string                `json:"data,omitempty"` // base64
	EOF   bool                  `json:"eof,omitempty"`
	Error *errkind.EnvelopeBody `json:"error,omitempty"`
}

func streamReadErr(kind errkind.Kind, err error) streamReadResponse {
	env := errkind.Encode(kind, err)
	return streamReadResponse{Error: &env.Error}
}

// handleStreamRead reads up to maxBytes from the open handle. If the
// execution's context is cancelled mid-read, it returns the Cancelled
// error kind rather than a generic I/O error (resolved Open Question:
// cancellation during a stream read is always reported as Cancelled, even
// if the underlying read happened to fail with a different error at the
// same moment). fuel is charged once per call, same as every other
// capability entry point; a nil fuel (isolated tests) charges for free.
func handleStreamRead(ctx context.Context, mod api.Module, streams *streamTable, handleID, maxBytes uint32, fuel *governor.Fuel) uint64 {
	resp := readStream(streams, handleID, maxBytes, fuel)
	out, _ := json.Marshal(resp)
	packed, err := wasmio.WriteResult(mod, out)
	if err != nil {
		return 0
	}
	return packed
}

func readStream(streams *streamTable, handleID, maxBytes uint32, fuel *governor.Fuel) streamReadResponse {
	if err := fuel.Charge(); err != nil {
		return streamReadErr(errkind.KindFuelExhausted, err)
	}

	h, ok := streams.get(handleID)
	if !ok {
		return streamReadErr(errkind.KindInvalidHandle, fmt.Errorf("unknown stream handle"))
	}

	if maxBytes == 0 {
		maxBytes = 64 * 1024
	}
	buf := make([]byte, maxBytes)
	n, err := h.body.Read(buf)

	if err != nil && err != io.EOF {
		if h.ctx.Err() != nil {
			return streamReadErr(errkind.KindCancelled, fmt.Errorf("stream interrupted"))
		}
		return streamReadErr(errkind.KindNetworkError, err)
	}

	resp := streamReadResponse{Data: encodeChunk(buf[:n]), EOF: err == io.EOF}
	return resp
}

// encodeChunk is intentionally unmasked: masking happens once the
// component (or a downstream consumer) reassembles the full body, since a
// secret value can straddle a chunk boundary and a per-chunk mask would
// miss it.
func encodeChunk(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func handleStreamClose(streams *streamTable, handle uint32) uint32 {
	if streams.close(handle) {
		return 1
	}
	return 0
}
