package anchor

import (
	"fmt"
)

// TransportError is a connectivity-level failure (dns, timeout,
// connection refused, non-2xx status). It triggers offline queuing and
// is never the final outcome of a submission while a queue slot exists.
type TransportError struct {
	Message string
	Cause   error
}

func NewTransportError(cause error) *TransportError {
	return &TransportError{
		Message: cause.Error(),
		Cause:   cause,
	}
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport: %s", self.Message)
}

func (self *TransportError) Unwrap() error {
	return self.Cause
}

// RemoteRejection is the service returning success=false. It is
// surfaced to the caller and not retried automatically.
type RemoteRejection struct {
	Message string
}

func (self *RemoteRejection) Error() string {
	return fmt.Sprintf("rejected: %s", self.Message)
}

// ProtocolError is a malformed or unparseable inbound frame. The
// receive loop reports it as a diagnostic event and continues.
type ProtocolError struct {
	Message string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s", self.Message)
}

// HashMismatchError is a recomputed fingerprint differing from the
// expected value. Never silently accepted.
type HashMismatchError struct {
	SubjectId string
	Expected  string
	Actual    string
}

func (self *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", self.SubjectId, self.Expected, self.Actual)
}

// VerifyFingerprint recomputes an element fingerprint and compares it
// to the expected value.
func VerifyFingerprint(element *CanonicalElement, expected string) error {
	actual, err := element.Fingerprint()
	if err != nil {
		return err
	}
	if actual != expected {
		return &HashMismatchError{
			SubjectId: element.UniqueId,
			Expected:  expected,
			Actual:    actual,
		}
	}
	return nil
}
