package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindIs(t *testing.T) {
	wrapped := fmt.Errorf("sector 3: %w", ErrWriteProtected)
	if !errors.Is(wrapped, ErrWriteProtected) {
		t.Error("Expected wrapped error to match ErrWriteProtected")
	}
	if KindOf(wrapped) != ErrWriteProtected {
		t.Errorf("Expected KindOf to unwrap, got %v", KindOf(wrapped))
	}
	if KindOf(nil) != NoError {
		t.Errorf("Expected NoError for nil, got %v", KindOf(nil))
	}
	if KindOf(errors.New("other")) != ErrInvalidParameter {
		t.Error("Expected foreign errors to map to ErrInvalidParameter")
	}
}

func TestErrorKindStrings(t *testing.T) {
	if ErrHardwareTimeout.Error() != "flash: hardware timeout" {
		t.Errorf("Unexpected message %q", ErrHardwareTimeout.Error())
	}
	if ErrorKind(200).Error() != "flash: error 200" {
		t.Errorf("Unexpected message %q", ErrorKind(200).Error())
	}
	if NoError.Err() != nil {
		t.Error("Expected NoError.Err() to be nil")
	}
}
