package producer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/courier/pkg/types"
)

// DefaultTolerance is the accepted clock skew between a webhook's signed
// timestamp and the time it is received
const DefaultTolerance = 5 * time.Minute

// Verifier authenticates a webhook request
type Verifier interface {
	// Verify returns an error wrapping types.ErrInvalidSignature when the
	// request was not signed with the shared secret.
	Verify(header http.Header, body []byte) error
}

// Mapper extracts the event id, type and payload from a verified webhook
type Mapper func(header http.Header, body []byte) (*types.Event, error)

// WebhookSource binds a provider name to its stream channel, verifier and mapper
type WebhookSource struct {
	Name     string
	Channel  string
	Verifier Verifier
	Map      Mapper
}

// Stripe-style signatures

// StripeVerifier checks a "Stripe-Signature: t=<unix>,v1=<hex>" header
// carrying HMAC-SHA256 of "<t>.<body>". Any v1 signature may match, which
// allows secret rotation.
type StripeVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewStripeVerifier creates a verifier for secret. A zero tolerance uses DefaultTolerance.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (v *StripeVerifier) Verify(header http.Header, body []byte) error {
	sig := header.Get("Stripe-Signature")
	if sig == "" {
		return fmt.Errorf("missing Stripe-Signature header: %w", types.ErrInvalidSignature)
	}

	var (
		ts         int64
		signatures [][]byte
	)
	for _, part := range strings.Split(sig, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("bad signature timestamp: %w", types.ErrInvalidSignature)
			}
			ts = n
		case "v1":
			if b, err := hex.DecodeString(val); err == nil {
				signatures = append(signatures, b)
			}
		}
	}

	if ts == 0 || len(signatures) == 0 {
		return fmt.Errorf("malformed Stripe-Signature header: %w", types.ErrInvalidSignature)
	}
	if err := checkTolerance(time.Unix(ts, 0), v.now(), v.tolerance); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, s := range signatures {
		if hmac.Equal(expected, s) {
			return nil
		}
	}
	return fmt.Errorf("no matching v1 signature: %w", types.ErrInvalidSignature)
}

// StripeMapper reads the provider event id and type from the JSON body
func StripeMapper(_ http.Header, body []byte) (*types.Event, error) {
	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook body: %v: %w", err, types.ErrBadPayload)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, fmt.Errorf("webhook body missing id or type: %w", types.ErrBadPayload)
	}
	return &types.Event{ID: envelope.ID, Type: envelope.Type, Payload: body}, nil
}

// Svix-style signatures

// SvixVerifier checks svix-id, svix-timestamp and svix-signature headers.
// The signature list is space separated "v1,<base64>" entries of
// HMAC-SHA256 over "<id>.<timestamp>.<body>" keyed by the decoded secret.
type SvixVerifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSvixVerifier creates a verifier from a "whsec_<base64>" secret
func NewSvixVerifier(secret string, tolerance time.Duration) (*SvixVerifier, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return nil, fmt.Errorf("decode svix secret: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &SvixVerifier{
		key:       key,
		tolerance: tolerance,
		now:       time.Now,
	}, nil
}

func (v *SvixVerifier) Verify(header http.Header, body []byte) error {
	id := header.Get("svix-id")
	tsHeader := header.Get("svix-timestamp")
	sigHeader := header.Get("svix-signature")
	if id == "" || tsHeader == "" || sigHeader == "" {
		return fmt.Errorf("missing svix headers: %w", types.ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("bad svix-timestamp: %w", types.ErrInvalidSignature)
	}
	if err := checkTolerance(time.Unix(ts, 0), v.now(), v.tolerance); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + tsHeader + "."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, entry := range strings.Fields(sigHeader) {
		version, encoded, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return fmt.Errorf("no matching v1 signature: %w", types.ErrInvalidSignature)
}

// SvixMapper takes the event id from the svix-id header and the type from the body
func SvixMapper(header http.Header, body []byte) (*types.Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook body: %v: %w", err, types.ErrBadPayload)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("webhook body missing type: %w", types.ErrBadPayload)
	}
	return &types.Event{ID: header.Get("svix-id"), Type: envelope.Type, Payload: body}, nil
}

func checkTolerance(signed, now time.Time, tolerance time.Duration) error {
	skew := now.Sub(signed)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("signature timestamp outside tolerance (%s): %w", skew.Round(time.Second), types.ErrInvalidSignature)
	}
	return nil
}

// NewWebhookSource builds a source for one of the supported signature schemes
// ("stripe" or "svix").
func NewWebhookSource(name, channel, scheme, secret string, tolerance time.Duration) (*WebhookSource, error) {
	src := &WebhookSource{Name: name, Channel: channel}

	switch scheme {
	case "stripe":
		src.Verifier = NewStripeVerifier(secret, tolerance)
		src.Map = StripeMapper
	case "svix":
		v, err := NewSvixVerifier(secret, tolerance)
		if err != nil {
			return nil, err
		}
		src.Verifier = v
		src.Map = SvixMapper
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}

	return src, nil
}
