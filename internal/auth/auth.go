// Package auth implements the verification half of the gateway handshake:
// desktop claim-on-first-use, returning-desktop authentication and device
// attestation checking. The per-connection state machine itself lives in the
// transport; this package only answers "is this response valid".
package auth

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"phbgateway/internal/cryptoutil"
	"phbgateway/internal/protocol"
	"phbgateway/internal/state"
)

var (
	// ErrAuthFailed covers signature failures, malformed key material,
	// device_id mismatches and unknown auth modes. It maps to close 4401.
	ErrAuthFailed = errors.New("auth: authentication failed")
	// ErrAlreadyClaimed rejects a desktop_claim on a claimed gateway (4403).
	ErrAlreadyClaimed = errors.New("auth: gateway already claimed")
	// ErrAttestationExpired rejects a device whose attestation has lapsed (4401).
	ErrAttestationExpired = errors.New("auth: attestation expired")
)

// Result describes an authenticated principal.
type Result struct {
	Role            string
	DeviceID        string
	DevicePublicKey ed25519.PublicKey // set for role=device only
}

// Verifier validates auth responses against the desktop binding held by the
// state store.
type Verifier struct {
	store *state.Store
	now   func() time.Time
}

func NewVerifier(store *state.Store) *Verifier {
	return &Verifier{store: store, now: time.Now}
}

// VerifyResponse checks resp against the nonce issued to this connection and
// returns the authenticated identity. deviceID is the id claimed in the
// connection query string.
func (v *Verifier) VerifyResponse(deviceID, nonceHex string, resp *protocol.AuthResponse) (Result, error) {
	nonce, err := cryptoutil.DecodeNonce(nonceHex)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	switch resp.AuthMode {
	case protocol.AuthModeDesktopClaim:
		return v.verifyDesktopClaim(deviceID, nonce, resp)
	case protocol.AuthModeDesktop:
		return v.verifyDesktop(deviceID, nonce, resp)
	case protocol.AuthModeDevice:
		return v.verifyDevice(deviceID, nonce, resp)
	default:
		return Result{}, fmt.Errorf("%w: unknown auth_mode %q", ErrAuthFailed, resp.AuthMode)
	}
}

func (v *Verifier) verifyDesktopClaim(deviceID string, nonce []byte, resp *protocol.AuthResponse) (Result, error) {
	if v.store.IsClaimed() {
		return Result{}, ErrAlreadyClaimed
	}
	pub, err := cryptoutil.ParsePublicKey(resp.DevicePublicKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: desktop public key: %v", ErrAuthFailed, err)
	}
	if !cryptoutil.Verify(pub, nonce, resp.NonceSignature) {
		return Result{}, fmt.Errorf("%w: claim nonce signature invalid", ErrAuthFailed)
	}
	if err := v.store.BindDesktop(pub); err != nil {
		if errors.Is(err, state.ErrAlreadyBound) {
			// Lost the race against a concurrent claim.
			return Result{}, ErrAlreadyClaimed
		}
		return Result{}, fmt.Errorf("auth: bind desktop: %w", err)
	}
	return Result{Role: protocol.RoleDesktop, DeviceID: deviceID}, nil
}

func (v *Verifier) verifyDesktop(deviceID string, nonce []byte, resp *protocol.AuthResponse) (Result, error) {
	pub, ok := v.store.DesktopPublicKey()
	if !ok {
		return Result{}, fmt.Errorf("%w: gateway not claimed yet", ErrAuthFailed)
	}
	if !cryptoutil.Verify(pub, nonce, resp.NonceSignature) {
		return Result{}, fmt.Errorf("%w: desktop nonce signature invalid", ErrAuthFailed)
	}
	return Result{Role: protocol.RoleDesktop, DeviceID: deviceID}, nil
}

func (v *Verifier) verifyDevice(deviceID string, nonce []byte, resp *protocol.AuthResponse) (Result, error) {
	desktopPub, ok := v.store.DesktopPublicKey()
	if !ok {
		return Result{}, fmt.Errorf("%w: gateway not claimed yet", ErrAuthFailed)
	}
	att := resp.Attestation
	if att == nil || att.Blob == "" {
		return Result{}, fmt.Errorf("%w: missing attestation", ErrAuthFailed)
	}

	// The signature covers the blob exactly as received; verify before any
	// decoding so re-serialization can never change what is checked.
	if !cryptoutil.Verify(desktopPub, []byte(att.Blob), att.DesktopSignature) {
		return Result{}, fmt.Errorf("%w: attestation signature invalid", ErrAuthFailed)
	}

	var blob protocol.AttestationBlob
	if err := json.Unmarshal([]byte(att.Blob), &blob); err != nil {
		return Result{}, fmt.Errorf("%w: attestation blob is not valid JSON", ErrAuthFailed)
	}
	if blob.DeviceID == "" || blob.DeviceID != deviceID {
		return Result{}, fmt.Errorf("%w: attestation device_id mismatch", ErrAuthFailed)
	}
	if blob.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, blob.ExpiresAt)
		if err != nil {
			return Result{}, fmt.Errorf("%w: attestation expires_at invalid", ErrAuthFailed)
		}
		if !v.now().UTC().Before(expiry) {
			return Result{}, ErrAttestationExpired
		}
	}

	devicePub, err := cryptoutil.ParsePublicKey(blob.DevicePublicKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: device public key: %v", ErrAuthFailed, err)
	}
	if !cryptoutil.Verify(devicePub, nonce, resp.NonceSignature) {
		return Result{}, fmt.Errorf("%w: device nonce signature invalid", ErrAuthFailed)
	}

	return Result{Role: protocol.RoleDevice, DeviceID: deviceID, DevicePublicKey: devicePub}, nil
}

// CloseCodeFor maps a verification error to the WebSocket close code and
// reason sent to the client.
func CloseCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		return protocol.CloseAlreadyClaimed, protocol.ReasonAlreadyClaimed
	case errors.Is(err, ErrAttestationExpired):
		return protocol.CloseAuthFailed, protocol.ReasonAttestationExpired
	default:
		return protocol.CloseAuthFailed, protocol.ReasonAuthFailed
	}
}
