package batcher

import (
	"strconv"

	"github.com/researchspace/researchspace-sub019/errs"
)

// FetchError reports that the bulk fetch for a window failed. Every waiter of that
// window receives the same FetchError.
type FetchError struct {
	// Batcher is the configured batcher name.
	Batcher string
	// Keys is the number of distinct keys in the failed window.
	Keys int

	envelope *errs.E
}

func newFetchError(name string, keys int, cause error) *FetchError {
	return &FetchError{
		Batcher: name,
		Keys:    keys,
		envelope: errs.New("batcher", errs.CodeFetchFailed,
			errs.WithMessage("bulk fetch failed"),
			errs.WithField("batcher", name),
			errs.WithField("keys", strconv.Itoa(keys)),
			errs.WithCause(cause)),
	}
}

func (e *FetchError) Error() string {
	if e == nil || e.envelope == nil {
		return "<nil>"
	}
	return e.envelope.Error()
}

// Unwrap exposes the structured envelope, which in turn wraps the fetch cause.
func (e *FetchError) Unwrap() error {
	if e == nil || e.envelope == nil {
		return nil
	}
	return e.envelope
}

func closedError(name string) error {
	return errs.New("batcher", errs.CodeUnavailable,
		errs.WithMessage("batcher closed"),
		errs.WithField("batcher", name))
}
