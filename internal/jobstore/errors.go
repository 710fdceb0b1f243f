package jobstore

import (
	"errors"
	"fmt"

	"github.com/rubyAppSec/quartz/internal/domain"
)

// Validation failures. Rejected synchronously; no state changed.
var (
	ErrJobAlreadyExists     = errors.New("jobstore: job already exists")
	ErrTriggerAlreadyExists = errors.New("jobstore: trigger already exists")
	ErrJobNotFound          = errors.New("jobstore: job not found")
	ErrTriggerNeverFires    = errors.New("jobstore: trigger will never fire")
	ErrJobMismatch          = errors.New("jobstore: replacement trigger references a different job")
	ErrNotInitialized       = errors.New("jobstore: store not initialized")
)

func alreadyExistsErr(kind string, key domain.Key) error {
	base := ErrJobAlreadyExists
	if kind == "trigger" {
		base = ErrTriggerAlreadyExists
	}
	return fmt.Errorf("%w: %s", base, key)
}

// persistErr wraps a substrate failure. Callers can retry these; validation
// errors above are terminal.
func persistErr(op string, err error) error {
	return fmt.Errorf("jobstore: %s: %w", op, err)
}
