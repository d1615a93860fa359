// Package provisionerrors defines the error-kind taxonomy shared by every
// component of the provisioner, so the HTTP layer and the coordinator can
// make decisions (status code, compensation, logging) without string
// matching.
package provisionerrors

import "fmt"

// Kind identifies a class of failure a caller may need to branch on.
type Kind string

const (
	DuplicateKey            Kind = "duplicate_key"
	PortExhausted           Kind = "port_exhausted"
	TemplateMissing         Kind = "template_missing"
	CloneFailed             Kind = "clone_failed"
	IsoBuildFailed          Kind = "iso_build_failed"
	DomainDefineFailed      Kind = "domain_define_failed"
	DomainStartFailed       Kind = "domain_start_failed"
	IPDiscoveryTimeout      Kind = "ip_discovery_timeout"
	NatInstallFailed        Kind = "nat_install_failed"
	NotFound                Kind = "not_found"
	Unauthorized            Kind = "unauthorized"
	ValidationFailed        Kind = "validation_failed"
	InternalHypervisorError Kind = "internal_hypervisor_error"
	ProvisioningFailed      Kind = "provisioning_failed"
)

// Error is the concrete error type carried through the provisioner. Op
// names the operation that failed (e.g. "diskmgr.Clone"); Cause is the
// wrapped underlying error, if any.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error wrapping cause. If cause is already a
// *provisionerrors.Error and kind is empty, its Kind is propagated.
func Wrap(kind Kind, op string, cause error) *Error {
	if kind == "" {
		var pe *Error
		if asError(cause, &pe) {
			kind = pe.Kind
		}
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if err == nil {
		return "", false
	}
	if asError(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
