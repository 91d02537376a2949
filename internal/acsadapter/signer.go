package acsadapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signature header names understood by the access-control gateway.
const (
	HeaderKey              = "X-Ca-Key"
	HeaderNonce            = "X-Ca-Nonce"
	HeaderTimestamp        = "X-Ca-Timestamp"
	HeaderSignature        = "X-Ca-Signature"
	HeaderSignatureHeaders = "X-Ca-Signature-Headers"
)

const signedHeaderList = "x-ca-key,x-ca-nonce,x-ca-timestamp"

// Signer produces per-request HMAC-SHA256 signature headers.
type Signer struct {
	appKey    string
	appSecret []byte
	now       func() time.Time
	nonce     func() string
}

// NewSigner constructs a signer for an app key/secret pair.
func NewSigner(appKey, appSecret string) *Signer {
	return &Signer{
		appKey:    appKey,
		appSecret: []byte(appSecret),
		now:       time.Now,
		nonce:     func() string { return uuid.NewString() },
	}
}

// Headers returns a fresh signature header set for one request.
func (s *Signer) Headers(method, accept, contentType, path string) map[string]string {
	nonce := s.nonce()
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	return map[string]string{
		HeaderKey:              s.appKey,
		HeaderNonce:            nonce,
		HeaderTimestamp:        timestamp,
		HeaderSignature:        s.Sign(StringToSign(method, accept, contentType, s.appKey, nonce, timestamp, path)),
		HeaderSignatureHeaders: signedHeaderList,
	}
}

// Sign returns base64(HMAC-SHA256(secret, payload)).
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.appSecret)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// StringToSign builds the canonical request string.
func StringToSign(method, accept, contentType, appKey, nonce, timestamp, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(accept)
	b.WriteByte('\n')
	b.WriteString(contentType)
	b.WriteByte('\n')
	b.WriteString("x-ca-key:" + appKey + "\n")
	b.WriteString("x-ca-nonce:" + nonce + "\n")
	b.WriteString("x-ca-timestamp:" + timestamp + "\n")
	b.WriteString(path)
	return b.String()
}
