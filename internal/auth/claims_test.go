package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

// signRaw signs arbitrary claims, bypassing GenerateAccessToken's checks.
func signRaw(t *testing.T, claims CustomClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return tok
}

func validRegistered() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   "dashboard",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
}

func TestGenerateAndParseAccessToken(t *testing.T) {
	token, err := GenerateAccessToken("dashboard", RoleOperator, testSecret, 15, "esp8266/#")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "dashboard" || claims.Role != RoleOperator || claims.Issuer != Issuer {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
	if len(claims.Topics) != 1 || claims.Topics[0] != "esp8266/#" {
		t.Errorf("Topics = %v", claims.Topics)
	}
}

func TestGenerateAccessToken_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		role    Role
		secret  string
		topics  []string
		wantErr error
	}{
		{"missing secret", "dashboard", RoleAdmin, "", nil, ErrMissingSecret},
		{"unknown role", "dashboard", Role("owner"), testSecret, nil, ErrInvalidRole},
		{"empty subject", "", RoleViewer, testSecret, nil, ErrInvalidSubject},
		{"subject with spaces", "led panel", RoleViewer, testSecret, nil, ErrInvalidSubject},
		{"bad scope", "dashboard", RoleOperator, testSecret, []string{"esp8266/#/led"}, ErrInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GenerateAccessToken(tt.subject, tt.role, tt.secret, 15, tt.topics...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GenerateAccessToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseToken_Rejects(t *testing.T) {
	good, err := GenerateAccessToken("dashboard", RoleViewer, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	expired := validRegistered()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	foreign := validRegistered()
	foreign.Issuer = "someone-else"
	noExpiry := validRegistered()
	noExpiry.ExpiresAt = nil
	noSubject := validRegistered()
	noSubject.Subject = ""

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"wrong secret", good, "wrong-secret"},
		{"expired", signRaw(t, CustomClaims{RegisteredClaims: expired, Role: RoleViewer}), testSecret},
		{"foreign issuer", signRaw(t, CustomClaims{RegisteredClaims: foreign, Role: RoleViewer}), testSecret},
		{"no expiry", signRaw(t, CustomClaims{RegisteredClaims: noExpiry, Role: RoleViewer}), testSecret},
		{"no subject", signRaw(t, CustomClaims{RegisteredClaims: noSubject, Role: RoleViewer}), testSecret},
		{"unknown role", signRaw(t, CustomClaims{RegisteredClaims: validRegistered(), Role: "owner"}), testSecret},
		{"bad scope", signRaw(t, CustomClaims{RegisteredClaims: validRegistered(), Role: RoleViewer, Topics: []string{"a/#/b"}}), testSecret},
		{"malformed", "abc.def", testSecret},
		{"empty", "", testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, tt.secret); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	token, err := GenerateAccessToken("dashboard", RoleViewer, testSecret, 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	diff := claims.ExpiresAt.Time.Sub(time.Now().Add(defaultTTL))
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL should be ~15 minutes, got expiry diff of %v", diff)
	}
}

// ─── Topic scope ───────────────────────────────────────────────────

func TestClaims_AllowsTopic(t *testing.T) {
	scoped := &CustomClaims{Topics: []string{"esp8266/led/+", "sensors/#"}}
	open := &CustomClaims{}

	tests := []struct {
		topic string
		want  bool
	}{
		{"esp8266/led/control", true},
		{"esp8266/relay/control", false},
		{"sensors/kitchen/temp", true},
		{"esp8266/led/control/extra", false},
	}
	for _, tt := range tests {
		if got := scoped.AllowsTopic(tt.topic); got != tt.want {
			t.Errorf("AllowsTopic(%q) = %v, want %v", tt.topic, got, tt.want)
		}
		if !open.AllowsTopic(tt.topic) {
			t.Errorf("unscoped token should allow %q", tt.topic)
		}
	}
}

func TestClaims_AllowsFilter(t *testing.T) {
	tests := []struct {
		scope  string
		filter string
		want   bool
	}{
		{"esp8266/#", "esp8266/+/status", true},
		{"esp8266/#", "esp8266/#", true},
		{"esp8266/#", "#", false},
		{"esp8266/+/status", "esp8266/led/status", true},
		{"esp8266/+/status", "esp8266/+/status", true},
		{"esp8266/+/status", "esp8266/#", false},
		{"esp8266/led/status", "esp8266/+/status", false},
		{"esp8266/led/status", "esp8266/led/status", true},
		{"+/+/status", "esp8266/led", false},
	}
	for _, tt := range tests {
		c := &CustomClaims{Topics: []string{tt.scope}}
		if got := c.AllowsFilter(tt.filter); got != tt.want {
			t.Errorf("scope %q AllowsFilter(%q) = %v, want %v", tt.scope, tt.filter, got, tt.want)
		}
	}
}
