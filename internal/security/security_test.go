package security

import (
	"strings"
	"testing"
	"time"
)

func TestPanelTokenRoundTrip(t *testing.T) {
	token, err := GeneratePanelToken("secret", "1042", "sess-1", "kiosk-1", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParsePanelToken(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.StaffID != "1042" || claims.SessionID != "sess-1" || claims.KioskID != "kiosk-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestPanelTokenWrongSecret(t *testing.T) {
	token, err := GeneratePanelToken("secret", "1042", "sess-1", "kiosk-1", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParsePanelToken(token, "other"); err == nil {
		t.Fatal("token accepted with wrong secret")
	}
}

func TestPanelTokenExpired(t *testing.T) {
	token, err := GeneratePanelToken("secret", "1042", "sess-1", "kiosk-1", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParsePanelToken(token, "secret"); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestPasscodeHashAndVerify(t *testing.T) {
	hash, err := HashPasscode("0000-service")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}

	ok, err := VerifyPasscode("0000-service", hash)
	if err != nil || !ok {
		t.Fatalf("verify ok=%v err=%v", ok, err)
	}

	ok, err = VerifyPasscode("wrong", hash)
	if err != nil || ok {
		t.Fatalf("wrong passcode accepted: ok=%v err=%v", ok, err)
	}
}

func TestVerifyPasscodeMalformedHash(t *testing.T) {
	if _, err := VerifyPasscode("x", "not-a-hash"); err == nil {
		t.Fatal("malformed hash accepted")
	}
}
