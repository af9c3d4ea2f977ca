package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCanonicalizeJSONSortsKeysAndCompacts(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"zeta":  1,
		"alpha": "value",
		"nested": map[string]any{
			"b": true,
			"a": nil,
		},
		"list": []any{false, "x"},
	}

	got, err := CanonicalizeJSON(payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"alpha":"value","list":[false,"x"],"nested":{"a":null,"b":true},"zeta":1}`
	if string(got) != want {
		t.Fatalf("canonical form mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalizeJSONEncodesBytesAsHex(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"data": []byte{0xDE, 0xAD, 0xBE, 0xEF},
		"addr": common.HexToAddress("0x1234567890123456789012345678901234567890"),
	}
	got, err := CanonicalizeJSON(payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"addr":"0x1234567890123456789012345678901234567890","data":"0xdeadbeef"}`
	if string(got) != want {
		t.Fatalf("canonical form mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalizeJSONIsStable(t *testing.T) {
	t.Parallel()

	payload := map[string]any{"b": 2, "a": 1, "c": []any{map[string]any{"y": 1, "x": 2}}}
	first, err := CanonicalizeJSON(payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := CanonicalizeJSON(payload)
		if err != nil {
			t.Fatalf("canonicalize: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("canonical form unstable: %s vs %s", again, first)
		}
	}
}

func encodeTestAuthorizationKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate p256 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	return "wallet-auth:" + base64.StdEncoding.EncodeToString(der)
}

func TestLoadAuthorizationKeys(t *testing.T) {
	t.Parallel()

	set, err := LoadAuthorizationKeys([]string{encodeTestAuthorizationKey(t), "", encodeTestAuthorizationKey(t)})
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if set.Empty() {
		t.Fatal("expected usable keys")
	}
	fps := set.Fingerprints()
	if len(fps) != 2 {
		t.Fatalf("expected 2 fingerprints, got %d", len(fps))
	}
	for _, fp := range fps {
		if len(fp) != 16 {
			t.Fatalf("fingerprint must be 16 hex chars, got %q", fp)
		}
	}
	pubs, err := set.PublicKeys()
	if err != nil {
		t.Fatalf("public keys: %v", err)
	}
	if len(pubs) != 2 {
		t.Fatalf("expected 2 public keys, got %d", len(pubs))
	}
}

func TestLoadAuthorizationKeysRejectsWrongCurve(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate p384 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	raw := "wallet-auth:" + base64.StdEncoding.EncodeToString(der)
	if _, err := LoadAuthorizationKeys([]string{raw}); err == nil {
		t.Fatal("expected rejection of non-P256 key")
	}
}

func TestAuthorizationSignAndVerify(t *testing.T) {
	t.Parallel()

	set, err := LoadAuthorizationKeys([]string{encodeTestAuthorizationKey(t)})
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}

	payload := map[string]any{
		"version": 1,
		"method":  "POST",
		"url":     "https://api.example.com/v1/wallets",
		"body":    map[string]any{"chain_type": "ethereum"},
	}
	signed, err := set.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed.Signatures) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(signed.Signatures))
	}
	if len(signed.Digest) != 16 {
		t.Fatalf("digest must be 16 hex chars, got %q", signed.Digest)
	}

	ok, err := set.Verify(payload, signed.Signatures[0])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("signature must verify against the same payload")
	}

	// 载荷任意字段变化后签名必须失效。
	payload["url"] = "https://api.example.com/v1/other"
	ok, err = set.Verify(payload, signed.Signatures[0])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("signature must not verify a mutated payload")
	}
}

func TestAuthorizationSignWithoutKeys(t *testing.T) {
	t.Parallel()

	set, err := LoadAuthorizationKeys(nil)
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if _, err := set.Sign(map[string]any{}); err == nil {
		t.Fatal("expected error when no keys are loaded")
	}
}

func TestLocalHashSignerRoundTrip(t *testing.T) {
	t.Parallel()

	signer := NewLocalHashSigner()
	addr, err := signer.GenerateKey("key:owner-key-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	digest := common.HexToHash("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	sig, err := signer.SignHash(context.Background(), "key:owner-key-1", digest)
	if err != nil {
		t.Fatalf("sign hash: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("expected normalized v, got %d", sig[64])
	}

	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != addr {
		t.Fatalf("expected %s, got %s", addr.Hex(), recovered.Hex())
	}

	if _, err := signer.SignHash(context.Background(), "key:missing-key", digest); err == nil {
		t.Fatal("expected error for unknown key id")
	}
}
