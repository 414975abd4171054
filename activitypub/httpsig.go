package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// ErrSignatureInvalid marks requests whose HTTP signature could not be
// verified against the claimed actor's key.
var ErrSignatureInvalid = errors.New("invalid http signature")

// SignRequest signs an outgoing HTTP request with the given private key.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// VerifyRequest verifies the HTTP signature on an incoming request.
// Returns the signing actor's URI (the keyId owner) if valid.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create verifier: %v", ErrSignatureInvalid, err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	return KeyOwner(verifier.KeyId()), nil
}

// RequestKeyId extracts the keyId parameter of the Signature header
// without verifying anything.
func RequestKeyId(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return verifier.KeyId(), nil
}

// KeyOwner strips the fragment from a keyId, leaving the owning actor's
// URI. "https://example.com/users/alice#main-key" -> ".../users/alice"
func KeyOwner(keyId string) string {
	return strings.Split(keyId, "#")[0]
}

// CheckDate rejects requests whose Date header skews more than the given
// window from server time. Coarse replay filter, the activity-id ledger
// is the real dedup boundary.
func CheckDate(req *http.Request, window time.Duration, now time.Time) error {
	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return fmt.Errorf("%w: missing Date header", ErrSignatureInvalid)
	}

	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("%w: unparseable Date header: %v", ErrSignatureInvalid, err)
	}

	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return fmt.Errorf("%w: date skew %s exceeds window %s", ErrSignatureInvalid, skew, window)
	}

	return nil
}

// CheckDigest verifies the Digest header against the actual request
// body. The signature only covers the header value, so without this check
// a tampered body would still verify.
func CheckDigest(req *http.Request, body []byte) error {
	digestHeader := req.Header.Get("Digest")
	if digestHeader == "" {
		return fmt.Errorf("%w: missing Digest header", ErrSignatureInvalid)
	}

	hash := sha256.Sum256(body)
	want := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	if !strings.EqualFold(digestHeader, want) {
		return fmt.Errorf("%w: body digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

// DigestHeader computes the Digest header value for an outbound body.
func DigestHeader(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
