package main

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"possale/backend/internal/config"
	"possale/backend/internal/domain"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", AllowedOrigin: "http://127.0.0.1:3000"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigRejectsWildcardOriginInProduction(t *testing.T) {
	cfg := config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "*", AppEnv: "production"}
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected wildcard origin to be rejected in production")
	}

	cfg.AppEnv = "development"
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected wildcard origin to pass in development, got %v", err)
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "https://pos.example.com"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestConfigureDecimalJSONEncodesNumbers(t *testing.T) {
	previous := decimal.MarshalJSONWithoutQuotes
	t.Cleanup(func() { decimal.MarshalJSONWithoutQuotes = previous })
	configureDecimalJSON()

	body, err := json.Marshal(domain.Allocation{Method: domain.PaymentCash, Amount: decimal.RequireFromString("121.50")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(body) != `{"method":"cash","amount":121.5}` {
		t.Fatalf("unexpected encoding %s", body)
	}

	var back domain.Allocation
	if err := json.Unmarshal([]byte(`{"method":"cash","amount":"121.50"}`), &back); err != nil {
		t.Fatalf("quoted amounts must still decode: %v", err)
	}
	if !back.Amount.Equal(decimal.RequireFromString("121.5")) {
		t.Fatalf("amount = %s", back.Amount)
	}
}
