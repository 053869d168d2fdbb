// Package errkind centralizes the error-kind taxonomy every sandbox
// component error carries, and the JSON envelope every external-facing
// error is encoded into. Grounded on the teacher's typed-error style
// (CapabilityDeniedError, PolicyDeniedError in system/sandbox/sandbox.go)
// generalized into one shared kind vocabulary instead of one bespoke
// struct per package.
package errkind

import "encoding/json"

// Kind is a stable, machine-readable error classification string.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindInvalidJSON        Kind = "invalid_json"
	KindInvalidRequest     Kind = "invalid_request"
	KindInvalidReference   Kind = "invalid_reference"
	KindComponentNotFound  Kind = "component_not_found"
	KindDigestMismatch     Kind = "digest_mismatch"
	KindDomainBlocked      Kind = "domain_blocked"
	KindMethodBlocked      Kind = "method_blocked"
	KindPrivateIPBlocked   Kind = "private_ip_blocked"
	KindDNSError           Kind = "dns_error"
	KindToolDenied         Kind = "tool_denied"
	KindStoragePathDenied  Kind = "storage_path_denied"
	KindPolicyNotConfigured Kind = "policy_not_configured"
	KindRateLimited        Kind = "rate_limited"
	KindRequestTooLarge    Kind = "request_too_large"
	KindResponseTooLarge   Kind = "response_too_large"
	KindStreamLimit        Kind = "stream_limit"
	KindInvalidHandle      Kind = "invalid_handle"
	KindSSRFBlocked        Kind = "ssrf_blocked"
	KindSecretAccessDenied Kind = "access_denied"
	KindDispatchError      Kind = "dispatch_error"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindOutOfMemory        Kind = "out_of_memory"
	KindFuelExhausted      Kind = "fuel_exhausted"
	KindTrap               Kind = "trap"
	KindNetworkError       Kind = "network_error"
	KindToolNotRegistered  Kind = "tool_not_registered"
	KindToolError          Kind = "tool_error"
	KindExecutionFailed    Kind = "execution_failed"
	KindInternal           Kind = "internal"
)

// Coded is any error that can report its own Kind; every typed error in
// this module implements it.
type Coded interface {
	error
	ErrorKind() Kind
}

// Envelope is the wire shape every external-facing error response uses.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the inner object of Envelope.
type EnvelopeBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Encode builds the JSON envelope for err, using kind if err does not
// implement Coded.
func Encode(kind Kind, err error) Envelope {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if coded, ok := err.(Coded); ok {
		kind = coded.ErrorKind()
	}
	return Envelope{Error: EnvelopeBody{Type: string(kind), Message: msg}}
}

// MarshalEnvelope is a convenience wrapper returning the encoded JSON
// bytes directly, for handlers that just need to write a response body.
func MarshalEnvelope(kind Kind, err error) ([]byte, error) {
	return json.Marshal(Encode(kind, err))
}
