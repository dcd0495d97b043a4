package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/rivermouth/estuary/core"
)

func signHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHeaderHMACVerifier_HexAndPrefix(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	verifier := HeaderHMACVerifier{
		Header: "X-Signature",
		Prefix: "sha256=",
		Secret: "topsecret",
	}

	req := core.WebhookRequest{
		Headers: map[string]string{"X-Signature": "sha256=" + signHex("topsecret", body)},
		Body:    body,
	}
	if err := verifier.Verify(req); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	req.Headers["X-Signature"] = "sha256=" + signHex("wrongsecret", body)
	if err := verifier.Verify(req); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	// Tampering with the body after signing must invalidate the check.
	req.Headers["X-Signature"] = "sha256=" + signHex("topsecret", body)
	req.Body = []byte(`{"id":"evt_2"}`)
	if err := verifier.Verify(req); err == nil {
		t.Fatalf("expected tampered body to fail verification")
	}
}

func TestHeaderHMACVerifier_Base64Encoding(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	verifier := HeaderHMACVerifier{
		Header:   "X-Signature",
		Secret:   "topsecret",
		Encoding: "base64",
	}
	req := core.WebhookRequest{
		Headers: map[string]string{"x-signature": signature},
		Body:    body,
	}
	if err := verifier.Verify(req); err != nil {
		t.Fatalf("expected valid base64 signature with case-insensitive header, got %v", err)
	}
}

func TestHeaderHMACVerifier_MissingHeaderOrSecret(t *testing.T) {
	verifier := HeaderHMACVerifier{Header: "X-Signature", Secret: "s"}
	if err := verifier.Verify(core.WebhookRequest{Body: []byte("{}")}); err == nil {
		t.Fatalf("expected missing header error")
	}

	verifier = HeaderHMACVerifier{Header: "X-Signature"}
	if err := verifier.Verify(core.WebhookRequest{
		Headers: map[string]string{"X-Signature": "abc"},
		Body:    []byte("{}"),
	}); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestHeaderTokenVerifier(t *testing.T) {
	verifier := HeaderTokenVerifier{Header: "X-Webhook-Token", Token: "tok_1"}

	if err := verifier.Verify(core.WebhookRequest{
		Headers: map[string]string{"X-Webhook-Token": "tok_1"},
	}); err != nil {
		t.Fatalf("expected token match, got %v", err)
	}

	if err := verifier.Verify(core.WebhookRequest{
		Headers: map[string]string{"X-Webhook-Token": "tok_2"},
	}); err == nil {
		t.Fatalf("expected token mismatch")
	}
}
