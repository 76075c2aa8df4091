package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"testing"
	"time"

	"phbgateway/internal/cryptoutil"
	"phbgateway/internal/protocol"
	"phbgateway/internal/state"
)

func newVerifier(t *testing.T) (*Verifier, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	return NewVerifier(store), store
}

func keypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := cryptoutil.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return pub, priv
}

func nonce(t *testing.T) string {
	t.Helper()
	n, err := cryptoutil.RandomNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	return n
}

func signNonce(t *testing.T, priv ed25519.PrivateKey, nonceHex string) string {
	t.Helper()
	raw, err := cryptoutil.DecodeNonce(nonceHex)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	return cryptoutil.Sign(priv, raw)
}

// attestation signs a blob for deviceID with the given expiry; an empty
// expiry omits the field.
func attestation(t *testing.T, desktopPriv ed25519.PrivateKey, deviceID string, devicePub ed25519.PublicKey, expiresAt string) *protocol.Attestation {
	t.Helper()
	blob := fmt.Sprintf(`{"device_id":%q,"device_public_key":%q`, deviceID, cryptoutil.EncodePublicKey(devicePub))
	if expiresAt != "" {
		blob += fmt.Sprintf(`,"expires_at":%q`, expiresAt)
	}
	blob += "}"
	return &protocol.Attestation{
		Blob:             blob,
		DesktopSignature: cryptoutil.Sign(desktopPriv, []byte(blob)),
	}
}

func TestDesktopClaimBindsOnce(t *testing.T) {
	v, store := newVerifier(t)
	pub, priv := keypair(t)
	n := nonce(t)

	res, err := v.VerifyResponse("desk-1", n, &protocol.AuthResponse{
		Type:            protocol.TypeAuthResponse,
		AuthMode:        protocol.AuthModeDesktopClaim,
		NonceSignature:  signNonce(t, priv, n),
		DevicePublicKey: cryptoutil.EncodePublicKey(pub),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Role != protocol.RoleDesktop || res.DeviceID != "desk-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !store.IsClaimed() {
		t.Fatal("store not claimed after successful claim")
	}

	// Re-claim with a different key is rejected and leaves the binding alone.
	pub2, priv2 := keypair(t)
	n2 := nonce(t)
	_, err = v.VerifyResponse("desk-2", n2, &protocol.AuthResponse{
		Type:            protocol.TypeAuthResponse,
		AuthMode:        protocol.AuthModeDesktopClaim,
		NonceSignature:  signNonce(t, priv2, n2),
		DevicePublicKey: cryptoutil.EncodePublicKey(pub2),
	})
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("re-claim err = %v, want ErrAlreadyClaimed", err)
	}
	bound, _ := store.DesktopPublicKey()
	if !bound.Equal(pub) {
		t.Fatal("binding changed after rejected re-claim")
	}
}

func TestDesktopClaimRejectsBadSignature(t *testing.T) {
	v, store := newVerifier(t)
	pub, _ := keypair(t)
	_, wrongPriv := keypair(t)
	n := nonce(t)

	_, err := v.VerifyResponse("desk-1", n, &protocol.AuthResponse{
		Type:            protocol.TypeAuthResponse,
		AuthMode:        protocol.AuthModeDesktopClaim,
		NonceSignature:  signNonce(t, wrongPriv, n),
		DevicePublicKey: cryptoutil.EncodePublicKey(pub),
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if store.IsClaimed() {
		t.Fatal("failed claim still bound the desktop")
	}
}

func TestDesktopAuth(t *testing.T) {
	v, store := newVerifier(t)
	pub, priv := keypair(t)
	if err := store.BindDesktop(pub); err != nil {
		t.Fatalf("bind: %v", err)
	}

	n := nonce(t)
	res, err := v.VerifyResponse("desk-1", n, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDesktop,
		NonceSignature: signNonce(t, priv, n),
	})
	if err != nil {
		t.Fatalf("desktop auth: %v", err)
	}
	if res.Role != protocol.RoleDesktop {
		t.Fatalf("role = %s, want desktop", res.Role)
	}

	_, wrongPriv := keypair(t)
	n2 := nonce(t)
	_, err = v.VerifyResponse("desk-1", n2, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDesktop,
		NonceSignature: signNonce(t, wrongPriv, n2),
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("wrong-key auth err = %v, want ErrAuthFailed", err)
	}
}

func TestDesktopAuthBeforeClaimFails(t *testing.T) {
	v, _ := newVerifier(t)
	_, priv := keypair(t)
	n := nonce(t)
	_, err := v.VerifyResponse("desk-1", n, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDesktop,
		NonceSignature: signNonce(t, priv, n),
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestDeviceAuthChain(t *testing.T) {
	v, store := newVerifier(t)
	desktopPub, desktopPriv := keypair(t)
	if err := store.BindDesktop(desktopPub); err != nil {
		t.Fatalf("bind: %v", err)
	}
	devicePub, devicePriv := keypair(t)

	future := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	n := nonce(t)
	res, err := v.VerifyResponse("phone-1", n, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signNonce(t, devicePriv, n),
		Attestation:    attestation(t, desktopPriv, "phone-1", devicePub, future),
	})
	if err != nil {
		t.Fatalf("device auth: %v", err)
	}
	if res.Role != protocol.RoleDevice || res.DeviceID != "phone-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.DevicePublicKey.Equal(devicePub) {
		t.Fatal("device public key not extracted from attestation")
	}
}

func TestDeviceAuthNoExpiryAccepted(t *testing.T) {
	v, store := newVerifier(t)
	desktopPub, desktopPriv := keypair(t)
	if err := store.BindDesktop(desktopPub); err != nil {
		t.Fatalf("bind: %v", err)
	}
	devicePub, devicePriv := keypair(t)

	n := nonce(t)
	_, err := v.VerifyResponse("phone-1", n, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signNonce(t, devicePriv, n),
		Attestation:    attestation(t, desktopPriv, "phone-1", devicePub, ""),
	})
	if err != nil {
		t.Fatalf("device auth without expires_at: %v", err)
	}
}

func TestDeviceAuthExpiredAttestation(t *testing.T) {
	v, store := newVerifier(t)
	desktopPub, desktopPriv := keypair(t)
	if err := store.BindDesktop(desktopPub); err != nil {
		t.Fatalf("bind: %v", err)
	}
	devicePub, devicePriv := keypair(t)

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	n := nonce(t)
	_, err := v.VerifyResponse("phone-1", n, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signNonce(t, devicePriv, n),
		Attestation:    attestation(t, desktopPriv, "phone-1", devicePub, past),
	})
	if !errors.Is(err, ErrAttestationExpired) {
		t.Fatalf("err = %v, want ErrAttestationExpired", err)
	}
}

func TestDeviceAuthDeviceIDMismatch(t *testing.T) {
	v, store := newVerifier(t)
	desktopPub, desktopPriv := keypair(t)
	if err := store.BindDesktop(desktopPub); err != nil {
		t.Fatalf("bind: %v", err)
	}
	devicePub, devicePriv := keypair(t)

	future := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	n := nonce(t)
	_, err := v.VerifyResponse("phone-1", n, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signNonce(t, devicePriv, n),
		Attestation:    attestation(t, desktopPriv, "phone-2", devicePub, future),
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestDeviceAuthTamperedBlob(t *testing.T) {
	v, store := newVerifier(t)
	desktopPub, desktopPriv := keypair(t)
	if err := store.BindDesktop(desktopPub); err != nil {
		t.Fatalf("bind: %v", err)
	}
	devicePub, devicePriv := keypair(t)

	future := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	att := attestation(t, desktopPriv, "phone-1", devicePub, future)
	// A single-byte change to the blob breaks the signature even though the
	// JSON stays semantically equivalent.
	att.Blob = att.Blob[:len(att.Blob)-1] + " }"

	n := nonce(t)
	_, err := v.VerifyResponse("phone-1", n, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signNonce(t, devicePriv, n),
		Attestation:    att,
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestDeviceAuthBlobBytesVerbatim(t *testing.T) {
	v, store := newVerifier(t)
	desktopPub, desktopPriv := keypair(t)
	if err := store.BindDesktop(desktopPub); err != nil {
		t.Fatalf("bind: %v", err)
	}
	devicePub, devicePriv := keypair(t)

	// Non-canonical formatting: extra whitespace and unusual key order. The
	// signature covers these exact bytes, so verification must still pass.
	future := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	blob := fmt.Sprintf(`{ "expires_at": %q,  "device_public_key": %q, "device_id": %q }`,
		future, cryptoutil.EncodePublicKey(devicePub), "phone-1")
	att := &protocol.Attestation{
		Blob:             blob,
		DesktopSignature: cryptoutil.Sign(desktopPriv, []byte(blob)),
	}

	n := nonce(t)
	if _, err := v.VerifyResponse("phone-1", n, &protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signNonce(t, devicePriv, n),
		Attestation:    att,
	}); err != nil {
		t.Fatalf("non-canonical blob rejected: %v", err)
	}
}

func TestUnknownAuthMode(t *testing.T) {
	v, _ := newVerifier(t)
	n := nonce(t)
	_, err := v.VerifyResponse("x", n, &protocol.AuthResponse{
		Type:     protocol.TypeAuthResponse,
		AuthMode: "superuser",
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestCloseCodeMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   int
		reason string
	}{
		{ErrAlreadyClaimed, protocol.CloseAlreadyClaimed, protocol.ReasonAlreadyClaimed},
		{ErrAttestationExpired, protocol.CloseAuthFailed, protocol.ReasonAttestationExpired},
		{ErrAuthFailed, protocol.CloseAuthFailed, protocol.ReasonAuthFailed},
		{fmt.Errorf("wrapped: %w", ErrAlreadyClaimed), protocol.CloseAlreadyClaimed, protocol.ReasonAlreadyClaimed},
	}
	for _, tc := range cases {
		code, reason := CloseCodeFor(tc.err)
		if code != tc.code || reason != tc.reason {
			t.Errorf("CloseCodeFor(%v) = %d/%s, want %d/%s", tc.err, code, reason, tc.code, tc.reason)
		}
	}
}
