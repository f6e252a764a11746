package worker

import (
	"errors"
	"fmt"
)

var ErrConfiguration = errors.New("configuration error")

// CertificateLoadError is returned when one of the certificate files can't be read or parsed.
type CertificateLoadError struct {
	File string
	Err  error
}

func (e *CertificateLoadError) Error() string {
	return fmt.Sprintf("loading certificate %s: %s", e.File, e.Err)
}

func (e *CertificateLoadError) Unwrap() error {
	return e.Err
}
