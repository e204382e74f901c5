package telegram

import (
	"errors"
	"testing"
)

func TestIsEntityError(t *testing.T) {
	t.Parallel()
	if !IsEntityError(errors.New("telegram: Bad Request: can't parse entities: Can't find end of the entity (400)")) {
		t.Fatal("entity error not detected")
	}
	if IsEntityError(errors.New("telegram: chat not found (400)")) || IsEntityError(nil) {
		t.Fatal("false positive")
	}
}
