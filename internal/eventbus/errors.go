package eventbus

import (
	"fmt"

	"github.com/researchspace/researchspace-sub019/errs"
)

// DeliveryError reports that one subscriber failed to receive an event. It never reaches the
// caller of Trigger; other subscribers are unaffected.
type DeliveryError struct {
	SubscriptionID SubscriptionID
	EventType      string
	Cause          error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("eventbus delivery to %s for %s: %v", e.SubscriptionID, e.EventType, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

var (
	errBufferFull = errs.New("eventbus/deliver", errs.CodeDeliveryFailed,
		errs.WithMessage("subscriber buffer full; oldest event dropped"))
	errBusClosed = errs.New("eventbus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
)
