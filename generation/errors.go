package generation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/richinsley/charimage/client"
	"github.com/richinsley/charimage/safety"
	"github.com/richinsley/charimage/storage"
)

var (
	ErrCharacterNotFound = errors.New("character not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidRequest    = errors.New("invalid generation request")
	// ErrArtifactNotFound is returned when no generated file could be located on the backend
	ErrArtifactNotFound = errors.New("generated image not found on backend")
	// ErrMissingSequence is returned when persisting without an allocator number
	ErrMissingSequence = errors.New("sequence number is required to persist an image")
	ErrQueueFull       = errors.New("persist queue is full")
	ErrPersisterClosed = errors.New("persister is closed")
	ErrNoImages        = errors.New("no images were generated")

	ErrBackendUnavailable = client.ErrBackendUnavailable
	ErrBackendProtocol    = client.ErrBackendProtocol
	ErrUploadFailed       = storage.ErrUploadFailed
)

// SafetyViolationError is returned when the assembled prompt fails the safety gate
type SafetyViolationError struct {
	Severity safety.Severity
	Reasons  []string
}

func (e *SafetyViolationError) Error() string {
	return fmt.Sprintf("content blocked due to safety violations (%s): %s", e.Severity, strings.Join(e.Reasons, ", "))
}

// IsSafetyViolation reports whether err carries a SafetyViolationError
func IsSafetyViolation(err error) bool {
	var sv *SafetyViolationError
	return errors.As(err, &sv)
}
