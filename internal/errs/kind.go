// Package errs provides the error taxonomy and recovery-strategy router
// shared by every dbshell component.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error into one of the buckets the core's components
// agree on. Components that need to decide "retry, surface, or give up"
// switch on Kind rather than matching error strings.
type Kind string

const (
	KindConfig            Kind = "config"
	KindTransportSpawn    Kind = "transport-spawn-failed"
	KindTransportBroken   Kind = "transport-broken-pipe"
	KindTransportExited   Kind = "transport-exited"
	KindProtocolFraming   Kind = "protocol-framing"
	KindProtocolSchema    Kind = "protocol-schema"
	KindProtocolDupID     Kind = "protocol-duplicate-id"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindConnectionLost    Kind = "connection-lost"
	KindHandshakeFailed   Kind = "handshake-failed"
	KindToolNotFound      Kind = "tool-not-found"
	KindAmbiguousTool     Kind = "ambiguous-tool"
	KindResourceNotFound  Kind = "resource-not-found"
	KindQueueFull         Kind = "queue-full"
	KindPreempted         Kind = "preempted"
	KindRateLimited       Kind = "rate-limited"
	KindStageFailed       Kind = "stage-failed"
	KindCircularDep       Kind = "circular-dependency"
	KindDependencyFailed  Kind = "dependency-failed"
	KindStateMiss         Kind = "state-miss"
	KindStateConflict     Kind = "state-conflict"
	KindAuditChainBroken  Kind = "audit-chain-broken"
	KindBackpressure      Kind = "backpressure"
	KindInternal          Kind = "internal"
)

// Error is the concrete error type carried through the core. It preserves
// the original error for %w-unwrapping while attaching a stable Kind and,
// for the kinds that need it, structured fields (stage name, dependency id,
// sequence number).
type Error struct {
	Kind     Kind
	Message  string
	Name     string // stage name / tool name / dependency id, kind-dependent
	Seq      int64  // audit sequence, for KindAuditChainBroken
	Wrapped  error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an *Error of the given kind wrapping cause.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// Named is New plus a component name (stage/tool/dependency id).
func Named(kind Kind, name, message string, cause error) *Error {
	return &Error{Kind: kind, Name: name, Message: message, Wrapped: cause}
}

// StageFailed wraps a pipeline stage failure, naming the stage.
func StageFailed(stage string, cause error) *Error {
	return Named(KindStageFailed, stage, "stage failed", cause)
}

// DependencyFailed wraps a workflow step failure, naming the dependency id
// whose output was unavailable.
func DependencyFailed(id string, cause error) *Error {
	return Named(KindDependencyFailed, id, "dependency failed", cause)
}

// AuditChainBroken reports the first sequence number at which the hash
// chain failed to verify.
func AuditChainBroken(atSeq int64) *Error {
	return &Error{Kind: KindAuditChainBroken, Seq: atSeq, Message: "hash chain broken"}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, classifying unknown errors from spawned processes/servers by
// message-sniffing as a fallback — mirroring the teacher's approach for
// errors the core does not itself originate.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classifyByMessage(err)
}

// classifyByMessage is the fallback path for errors this process did not
// construct itself (os/exec errors, network errors surfaced by a spawned
// MCP server, etc). It is intentionally conservative: anything it cannot
// recognize is KindInternal.
func classifyByMessage(err error) Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "context canceled"):
		return KindCancelled
	case strings.Contains(msg, "broken pipe") || strings.Contains(msg, "epipe"):
		return KindTransportBroken
	case strings.Contains(msg, "exit status") || strings.Contains(msg, "signal:"):
		return KindTransportExited
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "econnrefused"):
		return KindConnectionLost
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return KindResourceNotFound
	default:
		return KindInternal
	}
}

// Severity is used by the transport layer to tag the stderr lines it logs.
// The router does not read it.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)
