package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodePolicyResolve, "lookup failed for api.example.com")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodePolicyResolve {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePolicyResolve)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("exit status 125")
	err := Wrap(underlying, ErrCodeContainerCreate, "docker create failed")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if !strings.Contains(err.Error(), "exit status 125") {
		t.Error("Error string should include underlying error")
	}

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should unwrap to the underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeRequestTimeout, "no response").
		WithContext("request_id", "r1").
		WithContext("timeout_ms", 5000)

	msg := err.Error()
	if !strings.Contains(msg, "request_id: r1") {
		t.Errorf("Error string missing context: %s", msg)
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeHandleDestroyed, "handle is destroyed")

	if !IsCode(err, ErrCodeHandleDestroyed) {
		t.Error("IsCode should match the error's code")
	}
	if IsCode(err, ErrCodeRequestTimeout) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(errors.New("plain"), ErrCodeHandleDestroyed) {
		t.Error("IsCode should not match a plain error")
	}
	if IsCode(nil, ErrCodeHandleDestroyed) {
		t.Error("IsCode(nil) should be false")
	}
}

func TestIsRetryable(t *testing.T) {
	err := New(ErrCodeRequestTimeout, "no response").WithRetryable(true)

	if !IsRetryable(err) {
		t.Error("IsRetryable should reflect WithRetryable(true)")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestGetCode(t *testing.T) {
	if code := GetCode(New(ErrCodeImageBuild, "build failed")); code != ErrCodeImageBuild {
		t.Errorf("GetCode = %v, want %v", code, ErrCodeImageBuild)
	}
	if code := GetCode(errors.New("plain")); code != ErrCodeInternal {
		t.Errorf("GetCode(plain) = %v, want %v", code, ErrCodeInternal)
	}
	if code := GetCode(nil); code != "" {
		t.Errorf("GetCode(nil) = %v, want empty", code)
	}
}
