package source

import "errors"

// FetchError classifies a fetch failure as transient or permanent
type FetchError struct {
	Permanent bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Permanent {
		return "permanent fetch error: " + e.Err.Error()
	}
	return "transient fetch error: " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func NewTransientError(err error) error {
	return &FetchError{Err: err}
}

func NewPermanentError(err error) error {
	return &FetchError{Permanent: true, Err: err}
}

// IsPermanent answers whether err must not be retried. Unclassified errors are transient.
func IsPermanent(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.Permanent
}
