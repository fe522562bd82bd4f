package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Header is the request header carrying the base64-encoded payment proof.
const Header = "X-PAYMENT"

// ResponseHeader carries the base64-encoded settlement receipt on success.
const ResponseHeader = "X-PAYMENT-RESPONSE"

// ErrInvalidProof reports a payment header that could not be parsed into a
// known payload shape. The request is rejected before any facilitator call.
var ErrInvalidProof = errors.New("invalid payment proof")

// Payload is a client-supplied signed payment authorization. The scheme and
// network tag select the shape of the inner payload; the inner bytes are
// validated against that shape before any field access.
type Payload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Inner       json.RawMessage `json:"payload"`

	exact *ExactEVMPayload
}

// ExactEVMPayload is the exact-amount EVM scheme variant: an EIP-3009
// transfer authorization plus its signature.
type ExactEVMPayload struct {
	Signature     string `json:"signature"`
	Authorization struct {
		From        string `json:"from"`
		To          string `json:"to"`
		Value       string `json:"value"`
		ValidAfter  string `json:"validAfter"`
		ValidBefore string `json:"validBefore"`
		Nonce       string `json:"nonce"`
	} `json:"authorization"`
}

// ParseHeader decodes and schema-validates an X-PAYMENT header value.
// Anything that does not decode to a well-formed payload fails closed with
// ErrInvalidProof.
func ParseHeader(header string) (*Payload, error) {
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProof, "header is not valid base64")
	}

	var p Payload
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Payload) validate() error {
	if p.X402Version != Version {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrInvalidProof, p.X402Version)
	}
	if p.Network == "" {
		return fmt.Errorf("%w: missing network", ErrInvalidProof)
	}
	if len(p.Inner) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidProof)
	}

	switch p.Scheme {
	case SchemeExact:
		var exact ExactEVMPayload
		if err := json.Unmarshal(p.Inner, &exact); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
		if exact.Signature == "" || exact.Authorization.From == "" || exact.Authorization.To == "" || exact.Authorization.Value == "" {
			return fmt.Errorf("%w: incomplete exact-scheme authorization", ErrInvalidProof)
		}
		p.exact = &exact
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProof, p.Scheme)
	}
}

// Payer returns the paying identity embedded in the proof, or "unknown" for
// scheme variants that do not carry one.
func (p *Payload) Payer() string {
	if p.exact != nil {
		return p.exact.Authorization.From
	}
	return "unknown"
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty input")
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// EncodeReceipt renders the success-response header value: base64 JSON of the
// settlement outcome.
func EncodeReceipt(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
