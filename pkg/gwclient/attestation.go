package gwclient

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"phbgateway/internal/cryptoutil"
	"phbgateway/internal/protocol"
)

// IssueAttestation builds and signs a device attestation with the desktop's
// master key. The blob is canonical JSON (alphabetical keys, compact
// separators, RFC 3339 UTC "Z" timestamps) so every runtime verifies the
// same bytes.
func IssueAttestation(desktopPriv ed25519.PrivateKey, deviceID string, devicePub ed25519.PublicKey, ttl time.Duration) (protocol.Attestation, error) {
	if deviceID == "" {
		return protocol.Attestation{}, fmt.Errorf("gwclient: attestation device id must not be empty")
	}
	if len(devicePub) != ed25519.PublicKeySize {
		return protocol.Attestation{}, cryptoutil.ErrInvalidPublicKey
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	issuedAt := time.Now().UTC().Truncate(time.Second)
	blob := canonicalBlob(
		deviceID,
		cryptoutil.EncodePublicKey(devicePub),
		issuedAt.Add(ttl).Format(time.RFC3339),
		issuedAt.Format(time.RFC3339),
	)
	return protocol.Attestation{
		Blob:             blob,
		DesktopSignature: cryptoutil.Sign(desktopPriv, []byte(blob)),
	}, nil
}

// canonicalBlob emits the blob fields in alphabetical key order with compact
// separators. Values are encoded individually so the key order stays under
// our control rather than the marshaller's.
func canonicalBlob(deviceID, devicePubB64, expiresAt, issuedAt string) string {
	var b strings.Builder
	b.WriteString(`{"device_id":`)
	writeJSONString(&b, deviceID)
	b.WriteString(`,"device_public_key":`)
	writeJSONString(&b, devicePubB64)
	b.WriteString(`,"expires_at":`)
	writeJSONString(&b, expiresAt)
	b.WriteString(`,"issued_at":`)
	writeJSONString(&b, issuedAt)
	b.WriteString("}")
	return b.String()
}

func writeJSONString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s)
	b.Write(enc)
}
