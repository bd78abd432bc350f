package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"llm_dispatcher/internal/config"
)

func getTestConfig() *config.Config {
	return &config.Config{
		JWTSecret: []byte("test-secret-key-for-testing"),
	}
}

func TestGenerateAndValidateAdminJWT(t *testing.T) {
	cfg := getTestConfig()

	token, exp, err := GenerateAdminJWT("ops@example.com", []Role{RoleViewer}, time.Hour, cfg)
	if err != nil {
		t.Fatalf("GenerateAdminJWT() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAdminJWT() returned empty token")
	}
	if exp <= time.Now().Unix() {
		t.Error("GenerateAdminJWT() expiration time is in the past")
	}

	claims, err := ValidateAdminJWT(token, cfg)
	if err != nil {
		t.Fatalf("ValidateAdminJWT() error = %v", err)
	}
	if claims.AdminID() != "ops@example.com" {
		t.Errorf("AdminID() = %q, want ops@example.com", claims.AdminID())
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "viewer" {
		t.Errorf("Roles = %v, want [viewer]", claims.Roles)
	}
	if !claims.HasPermission(RoleViewer) {
		t.Error("viewer token should have viewer permission")
	}
	if claims.HasPermission(RoleAdmin) {
		t.Error("viewer token should not have admin permission")
	}
}

func TestGenerateAdminJWT_Invalid(t *testing.T) {
	cfg := getTestConfig()

	if _, _, err := GenerateAdminJWT("", []Role{RoleAdmin}, time.Hour, cfg); err == nil {
		t.Error("GenerateAdminJWT() with empty subject error = nil, want error")
	}
	if _, _, err := GenerateAdminJWT("ops", nil, time.Hour, cfg); err == nil {
		t.Error("GenerateAdminJWT() without roles error = nil, want error")
	}
	if _, _, err := GenerateAdminJWT("ops", []Role{"root"}, time.Hour, cfg); err == nil {
		t.Error("GenerateAdminJWT() with unknown role error = nil, want error")
	}
}

func TestValidateAdminJWT_Rejects(t *testing.T) {
	cfg := getTestConfig()

	t.Run("wrong secret", func(t *testing.T) {
		token, _, err := GenerateAdminJWT("ops", []Role{RoleAdmin}, time.Hour, cfg)
		if err != nil {
			t.Fatalf("GenerateAdminJWT() error = %v", err)
		}
		other := &config.Config{JWTSecret: []byte("a-completely-different-secret")}
		if _, err := ValidateAdminJWT(token, other); err == nil {
			t.Error("ValidateAdminJWT() with wrong secret error = nil, want error")
		}
	})

	t.Run("expired", func(t *testing.T) {
		claims := AdminClaims{
			Roles: []string{"admin"},
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "ops",
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.JWTSecret)
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		if _, err := ValidateAdminJWT(token, cfg); err == nil {
			t.Error("ValidateAdminJWT() with expired token error = nil, want error")
		}
	})

	t.Run("foreign issuer", func(t *testing.T) {
		claims := AdminClaims{
			Roles: []string{"admin"},
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "ops",
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.JWTSecret)
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		if _, err := ValidateAdminJWT(token, cfg); err != ErrInvalidToken {
			t.Errorf("ValidateAdminJWT() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := ValidateAdminJWT("not.a.token", cfg); err == nil {
			t.Error("ValidateAdminJWT() with garbage error = nil, want error")
		}
	})
}

func TestRoleHasPermission(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleAdmin, RoleAdmin, true},
		{RoleAdmin, RoleViewer, true},
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleAdmin, false},
	}
	for _, tt := range tests {
		if got := tt.role.HasPermission(tt.required); got != tt.want {
			t.Errorf("%s.HasPermission(%s) = %v, want %v", tt.role, tt.required, got, tt.want)
		}
	}
}

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles(" Admin, viewer ,")
	if err != nil {
		t.Fatalf("ParseRoles() error = %v", err)
	}
	if len(roles) != 2 || roles[0] != RoleAdmin || roles[1] != RoleViewer {
		t.Errorf("ParseRoles() = %v", roles)
	}

	if _, err := ParseRoles("owner"); err == nil || !strings.Contains(err.Error(), "owner") {
		t.Errorf("ParseRoles(owner) error = %v, want invalid role", err)
	}
	if _, err := ParseRoles(""); err == nil {
		t.Error("ParseRoles(\"\") error = nil, want error")
	}
}
