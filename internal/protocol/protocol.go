// Package protocol defines the gateway wire format: one UTF-8 JSON object
// per WebSocket text frame.
package protocol

import "encoding/json"

// Message types.
const (
	TypeAuthChallenge   = "auth_challenge"
	TypeAuthResponse    = "auth_response"
	TypeAuthOK          = "auth_ok"
	TypePairingRequest  = "pairing_request"
	TypePairingResponse = "pairing_response"
)

// Auth modes accepted in an AuthResponse.
const (
	AuthModeDesktopClaim = "desktop_claim"
	AuthModeDesktop      = "desktop"
	AuthModeDevice       = "device"
)

// Session roles. RolePairing marks a not-yet-attested socket that connected
// solely to run the pairing exchange; it can send pairing requests and
// receive the desktop's response, nothing else.
const (
	RoleDesktop = "desktop"
	RoleDevice  = "device"
	RolePairing = "pairing"
)

// Application close codes. The 44xx range mirrors HTTP semantics.
const (
	CloseMissingDeviceID = 4400
	CloseAuthFailed      = 4401
	CloseAlreadyClaimed  = 4403
	CloseSuperseded      = 4409
)

// Close reasons sent alongside the codes above.
const (
	ReasonMissingDeviceID    = "missing_device_id"
	ReasonAuthFailed         = "auth_failed"
	ReasonAuthTimeout        = "auth_timeout"
	ReasonAttestationExpired = "attestation_expired"
	ReasonAlreadyClaimed     = "already_claimed"
	ReasonSuperseded         = "superseded"
	ReasonGoingAway          = "going away"
	ReasonInternalError      = "internal error"
)

// Pairing response statuses.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// ReasonDesktopOffline is the gateway-originated pairing rejection when no
// desktop session is connected to receive the request.
const ReasonDesktopOffline = "desktop_offline"

// MaxFrameBytes caps a single inbound frame. Larger frames are rejected with
// close code 1009.
const MaxFrameBytes = 256 << 10

// AuthChallenge is sent by the gateway immediately after the upgrade.
type AuthChallenge struct {
	Type             string `json:"type"`
	Nonce            string `json:"nonce"`
	GatewayPublicKey string `json:"gateway_public_key"`
	Claimed          bool   `json:"claimed"`
}

// Attestation is the desktop-signed device credential. Blob is carried as a
// self-contained JSON string and the signature covers those exact bytes, so
// the gateway must never re-encode it.
type Attestation struct {
	Blob             string `json:"blob"`
	DesktopSignature string `json:"desktop_signature"`
}

// AuthResponse is the single client message the handshake accepts.
type AuthResponse struct {
	Type            string       `json:"type"`
	AuthMode        string       `json:"auth_mode"`
	NonceSignature  string       `json:"nonce_signature"`
	DevicePublicKey string       `json:"device_public_key,omitempty"`
	Attestation     *Attestation `json:"attestation,omitempty"`
}

// AuthOK acknowledges a successful handshake.
type AuthOK struct {
	Type     string `json:"type"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id"`
}

// AttestationBlob is the decoded form of Attestation.Blob. ExpiresAt and
// IssuedAt are RFC 3339 UTC timestamps; ExpiresAt may be absent.
type AttestationBlob struct {
	DeviceID        string `json:"device_id"`
	DevicePublicKey string `json:"device_public_key"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	IssuedAt        string `json:"issued_at,omitempty"`
}

// PairingRequest may arrive as a socket's first frame in place of an
// AuthResponse when the device holds no attestation yet. The gateway
// forwards it to the desktop without inspecting the pairing code.
type PairingRequest struct {
	Type            string `json:"type"`
	PairingCode     string `json:"pairing_code"`
	DeviceID        string `json:"device_id"`
	DevicePublicKey string `json:"device_public_key"`
	NonceSignature  string `json:"nonce_signature"`
}

// PairingResponse is emitted by the gateway itself only for the
// desktop-offline rejection; approved/rejected responses otherwise originate
// from the desktop and pass through the relay untouched.
type PairingResponse struct {
	Type           string       `json:"type"`
	Status         string       `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	TargetDeviceID string       `json:"target_device_id,omitempty"`
	Attestation    *Attestation `json:"attestation,omitempty"`
}

// DesktopOfflineRejection builds the frame sent back to a pairing socket
// when no desktop session is connected.
func DesktopOfflineRejection() []byte {
	out, _ := json.Marshal(PairingResponse{
		Type:   TypePairingResponse,
		Status: StatusRejected,
		Reason: ReasonDesktopOffline,
	})
	return out
}
