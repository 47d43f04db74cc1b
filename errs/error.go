package errs

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a failure of the enrollment engine. Callers match on kinds
// with Is.
type Kind int

const (
	// Unknown is the kind of errors that do not carry a kind.
	Unknown Kind = iota
	// ValidationError is returned when a request or an argument is not valid.
	ValidationError
	// AlreadyInitialized is returned when an object is initialized twice.
	AlreadyInitialized
	// RequestFrozen is returned when a request is modified after encode.
	RequestFrozen
	// EncodingError is returned when a request cannot be encoded.
	EncodingError
	// DecodeError is returned when bytes cannot be decoded.
	DecodeError
	// UnknownOid is returned when an identifier does not resolve to an OID.
	UnknownOid
	// MalformedName is returned when a distinguished name cannot be parsed.
	MalformedName
	// DuplicateExtension is returned when an OID is already in a collection.
	DuplicateExtension
	// CspError is returned for generic key provider failures.
	CspError
	// ProviderUnavailable is returned when no key provider can serve a request.
	ProviderUnavailable
	// KeyNotFound is returned when a key container does not exist.
	KeyNotFound
	// KeyNotExportable is returned when the export policy forbids an export.
	KeyNotExportable
	// SignatureError is returned when a signature cannot be produced.
	SignatureError
	// SignatureInvalid is returned when a signature does not verify.
	SignatureInvalid
	// UnsupportedAlgorithmPair is returned for hash and key algorithm pairs
	// without a signature algorithm.
	UnsupportedAlgorithmPair
	// VerificationFailed is returned when a key cannot be verified without
	// user interaction.
	VerificationFailed
	// NoInnerRequest is returned when a request does not wrap another.
	NoInnerRequest
	// TransportError is returned for policy or CA transport failures.
	TransportError
	// InteractionRequired is returned when an operation needs a prompt in
	// silent mode.
	InteractionRequired
	// UserCancelled is returned when the user dismisses a prompt.
	UserCancelled
	// CacheMiss is returned when a cache-only policy load has nothing cached.
	CacheMiss
	// InstallError is returned when a response cannot be installed.
	InstallError
	// UntrustedRoot is returned when a response chains to an untrusted root.
	UntrustedRoot
	// UntrustedCertificate is returned when a response certificate does not
	// verify.
	UntrustedCertificate
	// OutstandingRequestMissing is returned when a response does not match a
	// pending request.
	OutstandingRequestMissing
	// RequestDenied is returned when a CA denies a request.
	RequestDenied
)

var kindNames = map[Kind]string{
	Unknown:                   "Unknown",
	ValidationError:           "ValidationError",
	AlreadyInitialized:        "AlreadyInitialized",
	RequestFrozen:             "RequestFrozen",
	EncodingError:             "EncodingError",
	DecodeError:               "DecodeError",
	UnknownOid:                "UnknownOid",
	MalformedName:             "MalformedName",
	DuplicateExtension:        "DuplicateExtension",
	CspError:                  "CspError",
	ProviderUnavailable:       "ProviderUnavailable",
	KeyNotFound:               "KeyNotFound",
	KeyNotExportable:          "KeyNotExportable",
	SignatureError:            "SignatureError",
	SignatureInvalid:          "SignatureInvalid",
	UnsupportedAlgorithmPair:  "UnsupportedAlgorithmPair",
	VerificationFailed:        "VerificationFailed",
	NoInnerRequest:            "NoInnerRequest",
	TransportError:            "TransportError",
	InteractionRequired:       "InteractionRequired",
	UserCancelled:             "UserCancelled",
	CacheMiss:                 "CacheMiss",
	InstallError:              "InstallError",
	UntrustedRoot:             "UntrustedRoot",
	UntrustedCertificate:      "UntrustedCertificate",
	OutstandingRequestMissing: "OutstandingRequestMissing",
	RequestDenied:             "RequestDenied",
}

// String implements the fmt.Stringer interface.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsInstallError returns true if the kind is one of the failures raised while
// installing a response.
func (k Kind) IsInstallError() bool {
	switch k {
	case InstallError, UntrustedRoot, UntrustedCertificate, OutstandingRequestMissing:
		return true
	default:
		return false
	}
}

// Option modifies the Error type.
type Option func(e *Error) error

// WithMessage returns an Option that modifies the error by overwriting the
// message.
func WithMessage(format string, args ...interface{}) Option {
	return func(e *Error) error {
		e.Msg = fmt.Sprintf(format, args...)
		return e
	}
}

// WithKeyVal returns an Option that adds the given key-value pair to the
// Error details. This is helpful for debugging errors.
func WithKeyVal(key string, val interface{}) Option {
	return func(e *Error) error {
		if e.Details == nil {
			e.Details = make(map[string]interface{})
		}
		e.Details[key] = val
		return e
	}
}

// WithState returns an Option that records the request state at the time the
// error was raised.
func WithState(state fmt.Stringer) Option {
	return func(e *Error) error {
		if state != nil {
			e.State = state.String()
		}
		return e
	}
}

// Error represents the errors returned by the enrollment engine.
type Error struct {
	Kind    Kind
	Err     error
	Msg     string
	State   string
	Details map[string]interface{}
}

// ErrorResponse represents an error in JSON format.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	State   string `json:"state,omitempty"`
}

// Cause implements the errors.Causer interface and returns the original error.
func (e *Error) Cause() error {
	return e.Err
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error implements the error interface and returns the error string.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

// Message returns a user friendly error, if one is set.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Error()
}

// MarshalJSON implements json.Marshaller interface for the Error struct.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(&ErrorResponse{
		Kind:    e.Kind.String(),
		Message: e.Message(),
		State:   e.State,
	})
}

// Format implements the fmt.Formatter interface.
func (e *Error) Format(f fmt.State, c rune) {
	var fe fmt.Formatter
	if errors.As(e.Err, &fe) {
		fe.Format(f, c)
		return
	}
	fmt.Fprint(f, e.Error())
}

// New creates a new error of the given kind with the given message. Options
// can be appended to the format arguments.
func New(kind Kind, format string, args ...interface{}) error {
	as, opts := splitOptionArgs(args)
	e := &Error{Kind: kind, Err: errors.Errorf(format, as...)}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewErr returns a new Error of the given kind wrapping err. If err is already
// an Error its kind is kept and only the options are applied.
func NewErr(kind Kind, err error, opts ...Option) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: kind, Err: err}
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Wrap returns an error annotating err with a stack trace at the point Wrap is
// called, and the supplied message. If err is nil, Wrap returns nil. An error
// that already has a kind keeps it.
func Wrap(kind Kind, err error, m string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	_, opts := splitOptionArgs(args)
	var e *Error
	if errors.As(err, &e) {
		e.Err = errors.Wrap(e.Err, m)
		err = e
	} else {
		err = errors.Wrap(err, m)
	}
	return NewErr(kind, err, opts...)
}

// Wrapf returns an error annotating err with a stack trace at the point Wrapf
// is called, and the format specifier. If err is nil, Wrapf returns nil.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	as, opts := splitOptionArgs(args)
	var e *Error
	if errors.As(err, &e) {
		e.Err = errors.Wrapf(e.Err, format, as...)
		err = e
	} else {
		err = errors.Wrapf(err, format, as...)
	}
	return NewErr(kind, err, opts...)
}

// ApplyOptions applies the given options to the error if is the type *Error.
func ApplyOptions(err error, opts ...Option) error {
	var e *Error
	if errors.As(err, &e) {
		for _, fn := range opts {
			fn(e)
		}
	}
	return err
}

// KindOf returns the kind of the given error, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is returns true if err is an Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// splitOptionArgs splits the variadic length args into string formatting args
// and Option(s) to apply to an Error.
func splitOptionArgs(args []interface{}) ([]interface{}, []Option) {
	indexOptionStart := -1
	for i, a := range args {
		if _, ok := a.(Option); ok {
			indexOptionStart = i
			break
		}
	}

	if indexOptionStart < 0 {
		return args, []Option{}
	}
	opts := []Option{}
	// Ignore any non-Option args that come after the first Option.
	for _, o := range args[indexOptionStart:] {
		if opt, ok := o.(Option); ok {
			opts = append(opts, opt)
		}
	}
	return args[:indexOptionStart], opts
}
