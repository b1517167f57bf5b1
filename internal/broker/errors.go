package broker

import "errors"

// Reason names the class of a publish failure. Values double as the
// result label of broker_publish_total.
type Reason string

const (
	// ReasonUnreachable means the broker could not be contacted or timed out.
	ReasonUnreachable Reason = "unreachable"
	// ReasonTopicUnconfirmed means the topic did not appear within the
	// readiness attempt budget, or its creation was refused.
	ReasonTopicUnconfirmed Reason = "topic_unconfirmed"
	// ReasonRejected means the broker answered but refused the message.
	ReasonRejected Reason = "rejected"
	// ReasonEncode means the application could not be turned into a payload.
	ReasonEncode Reason = "encode"
)

// ErrRejected is wrapped by transports when the broker itself refuses a
// write, as opposed to the broker being unreachable.
var ErrRejected = errors.New("broker rejected message")

// errTopicMissing drives the readiness poll; it never escapes the package.
var errTopicMissing = errors.New("topic not listed yet")

// PublishError is returned by Publish and EnsureTopic.
type PublishError struct {
	Reason Reason
	Err    error
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return "publish: " + string(e.Reason)
	}
	return "publish: " + string(e.Reason) + ": " + e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }

// ReasonOf extracts the Reason of a publish failure, or "" when err is not a
// *PublishError.
func ReasonOf(err error) Reason {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

func sendFailure(err error) *PublishError {
	if errors.Is(err, ErrRejected) {
		return &PublishError{Reason: ReasonRejected, Err: err}
	}
	return &PublishError{Reason: ReasonUnreachable, Err: err}
}
