package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Message != "configuration is invalid" {
			t.Errorf("Message = %q, want %q", err.Message, "configuration is invalid")
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeIOWrite, "disk busy").Retryable {
			t.Error("IOWrite should be retryable by default")
		}
		if NewError(ErrCodeKeyCollision, "collision").Retryable {
			t.Error("KeyCollision should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeIOCreate, CategoryIO},
		{ErrCodeIORead, CategoryIO},
		{ErrCodeIOWrite, CategoryIO},
		{ErrCodeIORemove, CategoryIO},
		{ErrCodeIOMmap, CategoryIO},
		{ErrCodeSerialize, CategorySerialization},
		{ErrCodeDeserialize, CategorySerialization},
		{ErrCodeSnapshotCorrupt, CategorySerialization},
		{ErrCodeCapacityInvalid, CategoryIndex},
		{ErrCodeIndexInconsistent, CategoryIndex},
		{ErrCodeKeyCollision, CategoryIndex},
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeComponentStopped, CategoryState},
		{ErrCodeRemoteUnavailable, CategoryRemote},
		{ErrCodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestCacheError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *CacheError
		want string
	}{
		{
			name: "code and message only",
			err:  NewError(ErrCodeIORead, "read failed"),
			want: "IO_READ: read failed",
		},
		{
			name: "with component",
			err:  NewError(ErrCodeIORead, "read failed").WithComponent("cold"),
			want: "[cold] IO_READ: read failed",
		},
		{
			name: "with component, operation and key",
			err:  NewError(ErrCodeIOWrite, "write failed").WithComponent("warm").WithOperation("set").WithKey("u:1"),
			want: `[warm:set] IO_WRITE: write failed (key="u:1")`,
		},
		{
			name: "with cause",
			err:  Wrap(ErrCodeIORemove, "remove failed", fmt.Errorf("permission denied")),
			want: "IO_REMOVE: remove failed: permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheError_UnwrapAndIs(t *testing.T) {
	t.Parallel()

	cause := errors.New("no space left on device")
	err := Wrap(ErrCodeIOWrite, "snapshot write failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !errors.Is(err, NewError(ErrCodeIOWrite, "other message")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, NewError(ErrCodeIORead, "")) {
		t.Error("errors.Is should not match a different code")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !IsCode(wrapped, ErrCodeIOWrite) {
		t.Error("IsCode should see through fmt wrapping")
	}
	if GetCode(wrapped) != ErrCodeIOWrite {
		t.Errorf("GetCode = %v, want %v", GetCode(wrapped), ErrCodeIOWrite)
	}
	if GetCode(cause) != "" {
		t.Error("GetCode of a plain error should be empty")
	}
	if IsCode(nil, ErrCodeIOWrite) {
		t.Error("IsCode(nil) should be false")
	}
}

func TestCacheError_String(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeKeyCollision, "name taken").
		WithComponent("cold").
		WithOperation("set").
		WithKey("a/b").
		WithDetail("owner", "a:b")

	s := err.String()
	for _, want := range []string{"Code=KEY_COLLISION", "Category=index", "Component=cold", "Operation=set", `Key="a/b"`, "owner"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestCacheError_JSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeSnapshotCorrupt, "bad checksum").WithComponent("warm")

	var decoded map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(err.JSON()), &decoded); jsonErr != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", jsonErr)
	}
	if decoded["code"] != "SNAPSHOT_CORRUPT" {
		t.Errorf("code = %v, want SNAPSHOT_CORRUPT", decoded["code"])
	}
	if decoded["component"] != "warm" {
		t.Errorf("component = %v, want warm", decoded["component"])
	}
}

func TestCaptureStack(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeInternalError, "boom").WithStack()
	if err.Stack == "" {
		t.Error("WithStack should capture a stack")
	}
	if !strings.Contains(err.Stack, "errors_test.go") {
		t.Errorf("stack should include the test file, got %q", err.Stack)
	}
}
