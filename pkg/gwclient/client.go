// Package gwclient is the Go client for the phbgateway relay. The desktop
// uses it to claim the gateway and approve pairings; devices use it to
// authenticate with an attestation and exchange envelopes. Tests dial the
// gateway through it as well.
package gwclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"phbgateway/internal/cryptoutil"
	"phbgateway/internal/protocol"
)

const (
	// PingInterval is the keepalive cadence used by KeepAlive.
	PingInterval = 30 * time.Second

	handshakeWait = 20 * time.Second
	writeWait     = 10 * time.Second
)

// Client is a single gateway connection. Writes are serialized internally;
// Recv must be called from one goroutine at a time.
type Client struct {
	conn      *websocket.Conn
	deviceID  string
	challenge protocol.AuthChallenge

	writeMu sync.Mutex
}

// Inbound is a frame received from the gateway. Raw always holds the frame
// bytes; the struct fields are a best-effort decode of the common shapes
// (relay envelope, pairing messages).
type Inbound struct {
	Type           string                `json:"type"`
	SenderDeviceID string                `json:"sender_device_id"`
	Payload        json.RawMessage       `json:"payload"`
	Status         string                `json:"status"`
	Reason         string                `json:"reason"`
	PairingCode    string                `json:"pairing_code"`
	Attestation    *protocol.Attestation `json:"attestation"`

	Raw []byte `json:"-"`
}

// Dial connects to the gateway with the given device_id and waits for the
// auth challenge. The caller then completes the handshake with ClaimDesktop,
// AuthDesktop or AuthDevice.
func Dial(ctx context.Context, gatewayURL, deviceID string) (*Client, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("gwclient: device id must not be empty")
	}
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("gwclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set("device_id", deviceID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gwclient: dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("gwclient: dial: %w", err)
	}

	c := &Client{conn: conn, deviceID: deviceID}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var challenge protocol.AuthChallenge
	if err := conn.ReadJSON(&challenge); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gwclient: read challenge: %w", err)
	}
	if challenge.Type != protocol.TypeAuthChallenge {
		conn.Close()
		return nil, fmt.Errorf("gwclient: unexpected first message %q", challenge.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	c.challenge = challenge
	return c, nil
}

// Challenge returns the auth challenge received on connect.
func (c *Client) Challenge() protocol.AuthChallenge { return c.challenge }

// DeviceID returns the id this client connected with.
func (c *Client) DeviceID() string { return c.deviceID }

// ClaimDesktop performs the one-time desktop claim with the desktop's
// private key.
func (c *Client) ClaimDesktop(priv ed25519.PrivateKey) (protocol.AuthOK, error) {
	sig, err := c.signNonce(priv)
	if err != nil {
		return protocol.AuthOK{}, err
	}
	return c.authenticate(protocol.AuthResponse{
		Type:            protocol.TypeAuthResponse,
		AuthMode:        protocol.AuthModeDesktopClaim,
		NonceSignature:  sig,
		DevicePublicKey: cryptoutil.EncodePublicKey(priv.Public().(ed25519.PublicKey)),
	})
}

// AuthDesktop authenticates as the previously bound desktop.
func (c *Client) AuthDesktop(priv ed25519.PrivateKey) (protocol.AuthOK, error) {
	sig, err := c.signNonce(priv)
	if err != nil {
		return protocol.AuthOK{}, err
	}
	return c.authenticate(protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDesktop,
		NonceSignature: sig,
	})
}

// AuthDevice authenticates with a desktop-issued attestation and the
// device's own private key.
func (c *Client) AuthDevice(priv ed25519.PrivateKey, att protocol.Attestation) (protocol.AuthOK, error) {
	sig, err := c.signNonce(priv)
	if err != nil {
		return protocol.AuthOK{}, err
	}
	return c.authenticate(protocol.AuthResponse{
		Type:           protocol.TypeAuthResponse,
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: sig,
		Attestation:    &att,
	})
}

// RequestPairing sends a pairing request for relaying to the desktop. The
// reply arrives through Recv as a pairing_response frame.
func (c *Client) RequestPairing(pairingCode string, priv ed25519.PrivateKey) error {
	sig, err := c.signNonce(priv)
	if err != nil {
		return err
	}
	return c.sendJSON(map[string]any{
		"type":              protocol.TypePairingRequest,
		"pairing_code":      pairingCode,
		"device_id":         c.deviceID,
		"device_public_key": cryptoutil.EncodePublicKey(priv.Public().(ed25519.PublicKey)),
		"nonce_signature":   sig,
	})
}

// ApprovePairing is the desktop side of the exchange: it returns the signed
// attestation to the waiting pairing socket.
func (c *Client) ApprovePairing(target string, att protocol.Attestation) error {
	return c.sendJSON(protocol.PairingResponse{
		Type:           protocol.TypePairingResponse,
		Status:         protocol.StatusApproved,
		TargetDeviceID: target,
		Attestation:    &att,
	})
}

// RejectPairing tells the waiting pairing socket that the desktop declined.
func (c *Client) RejectPairing(target, reason string) error {
	return c.sendJSON(protocol.PairingResponse{
		Type:           protocol.TypePairingResponse,
		Status:         protocol.StatusRejected,
		TargetDeviceID: target,
		Reason:         reason,
	})
}

// Send relays payload to one peer, or to everyone else when target is empty.
func (c *Client) Send(target string, payload any) error {
	frame := map[string]any{"payload": payload}
	if target != "" {
		frame["target_device_id"] = target
	}
	return c.sendJSON(frame)
}

// SendRaw writes a pre-encoded text frame.
func (c *Client) SendRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Recv blocks for the next frame from the gateway.
func (c *Client) Recv() (*Inbound, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		in := &Inbound{Raw: data}
		if err := json.Unmarshal(data, in); err != nil {
			return nil, fmt.Errorf("gwclient: malformed frame: %w", err)
		}
		return in, nil
	}
}

// RecvTimeout is Recv with a read deadline, for request/response exchanges.
func (c *Client) RecvTimeout(d time.Duration) (*Inbound, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	defer c.conn.SetReadDeadline(time.Time{})
	return c.Recv()
}

// KeepAlive sends protocol pings every PingInterval until ctx is cancelled
// or the connection dies.
func (c *Client) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Close sends a normal closure frame and tears down the socket.
func (c *Client) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) signNonce(priv ed25519.PrivateKey) (string, error) {
	nonce, err := cryptoutil.DecodeNonce(c.challenge.Nonce)
	if err != nil {
		return "", fmt.Errorf("gwclient: challenge nonce: %w", err)
	}
	return cryptoutil.Sign(priv, nonce), nil
}

func (c *Client) authenticate(resp protocol.AuthResponse) (protocol.AuthOK, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return protocol.AuthOK{}, err
	}
	if err := c.SendRaw(data); err != nil {
		return protocol.AuthOK{}, fmt.Errorf("gwclient: send auth response: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer c.conn.SetReadDeadline(time.Time{})
	var ok protocol.AuthOK
	if err := c.conn.ReadJSON(&ok); err != nil {
		return protocol.AuthOK{}, fmt.Errorf("gwclient: auth rejected: %w", err)
	}
	if ok.Type != protocol.TypeAuthOK {
		return protocol.AuthOK{}, fmt.Errorf("gwclient: unexpected reply %q", ok.Type)
	}
	return ok, nil
}

func (c *Client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}
