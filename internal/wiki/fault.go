package wiki

import (
	"errors"
	"fmt"
)

// Kind identifies one of the closed set of failure conditions a handler may
// raise. The numeric codes are stable and surfaced to callers for programmatic
// branching; branching inside the server happens on the Kind, never the code.
type Kind int

const (
	// KindAccessDenied covers every failure a permission change would fix.
	KindAccessDenied Kind = iota
	KindNotFound
	KindEmptyIdentifier
	KindEmptyNewPage
	KindPageLocked
	KindSpamDetected
	KindAttachmentInUse
	KindAttachmentFailed
	KindInvalidTimestamp
	KindNoChanges
	KindInvalidUser
	KindInvalidName
	KindInvalidMail
	KindUnknownMethod
)

var kindCodes = map[Kind]int{
	KindAccessDenied:     111,
	KindNotFound:         121,
	KindEmptyIdentifier:  131,
	KindEmptyNewPage:     132,
	KindPageLocked:       133,
	KindSpamDetected:     134,
	KindAttachmentInUse:  141,
	KindAttachmentFailed: 142,
	KindInvalidTimestamp: 311,
	KindNoChanges:        321,
	KindInvalidUser:      401,
	KindInvalidName:      402,
	KindInvalidMail:      403,
	KindUnknownMethod:    601,
}

// Fault is a caller-visible failure carrying a serializable numeric code.
// Handlers raise faults (usually wrapped with eris for call-site context) and
// never swallow them; the transport adapter recovers the fault with FaultFrom
// and surfaces the code/message pair.
type Fault struct {
	Kind    Kind
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

// NewFault constructs a fault of the given kind.
func NewFault(kind Kind, format string, args ...any) *Fault {
	return &Fault{
		Kind:    kind,
		Code:    kindCodes[kind],
		Message: fmt.Sprintf(format, args...),
	}
}

// AccessDenied constructs the permission-failure fault.
func AccessDenied(format string, args ...any) *Fault {
	return NewFault(KindAccessDenied, format, args...)
}

// FaultFrom extracts a *Fault from anywhere in err's wrap chain.
func FaultFrom(err error) (*Fault, bool) {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}

// IsKind reports whether err carries a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	fault, ok := FaultFrom(err)
	return ok && fault.Kind == kind
}
