package cache

import (
	"github.com/objectfs/tilecache/pkg/errors"
)

// Outcome is the tagged result of a read-path operation
type Outcome int

const (
	// Found means the tile exists and its fields were populated
	Found Outcome = iota
	// NotFound means the key is absent from the store
	NotFound
	// TransientError means the store failed in a way a later call may not
	TransientError
	// Fatal means the store rejected the call for configuration or credential reasons
	Fatal
)

// String returns the metrics label for o
func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case TransientError:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps a blob store error to an Outcome. nil is Found.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Found
	case errors.IsNotFound(err):
		return NotFound
	case errors.IsFatal(err):
		return Fatal
	default:
		return TransientError
	}
}
