package auth

import (
	"errors"
	"testing"
	"time"

	syncpkg "github.com/studykit/studysync/internal/sync"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, err := svc.IssueToken("user-1", "device-a")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != "user-1" || claims.DeviceID != "device-a" {
		t.Errorf("Claims = %+v, want user-1/device-a", claims)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	svc := NewService("test-secret", -time.Minute)

	token, err := svc.IssueToken("user-1", "device-a")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := svc.ValidateToken(token); !errors.Is(err, syncpkg.ErrAuthExpired) {
		t.Errorf("Expected ErrAuthExpired, got %v", err)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	token, err := NewService("secret-a", time.Hour).IssueToken("user-1", "device-a")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := NewService("secret-b", time.Hour).ValidateToken(token); !errors.Is(err, syncpkg.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestValidateGarbage(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	if _, err := svc.ValidateToken("not.a.token"); !errors.Is(err, syncpkg.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
