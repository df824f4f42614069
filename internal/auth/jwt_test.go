package auth

import (
	"testing"

	"github.com/google/uuid"
)

func TestJWT_RoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	userID := uuid.New()

	token, err := svc.Generate(userID, "t@example.com", "Alice Teacher", "teacher")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("user_id = %s, want %s", claims.UserID, userID)
	}
	if claims.FullName != "Alice Teacher" {
		t.Errorf("full_name = %q", claims.FullName)
	}
	if claims.Role != "teacher" {
		t.Errorf("role = %q", claims.Role)
	}
}

func TestJWT_RejectsTamperedToken(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	token, err := svc.Generate(uuid.New(), "t@example.com", "Alice Teacher", "teacher")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := svc.Validate(token + "x"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	other := NewJWTService("different-secret", 1)
	if _, err := other.Validate(token); err != ErrInvalidToken {
		t.Errorf("wrong key must fail, got %v", err)
	}
}
