// Package x402 implements the pay-per-request payment protocol: building
// challenges for unpaid requests, validating client payment proofs, and
// driving verification and settlement through an external facilitator.
package x402

import (
	"fmt"
	"strconv"

	"github.com/grid402/canvas/internal/app/pricing"
)

// Version is the protocol version carried in every challenge.
const Version = 1

// Scheme identifies a payment scheme. Only the exact-amount EVM scheme is
// accepted today.
const SchemeExact = "exact"

// MaxTimeoutSeconds is how long a client has to produce a proof for a
// challenge before it should be considered stale.
const MaxTimeoutSeconds = 300

// AssetConfig describes the settlement asset contract on one network,
// including the EIP-712 domain fields wallets need to sign authorizations.
type AssetConfig struct {
	Address string
	Name    string
	Version string
}

// usdcByNetwork maps supported networks to their USDC contract config.
var usdcByNetwork = map[string]AssetConfig{
	"base-sepolia": {
		Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Name:    "USDC",
		Version: "2",
	},
	"base": {
		Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Name:    "USD Coin",
		Version: "2",
	},
	"avalanche-fuji": {
		Address: "0x5425890298aed601595a70AB815c96711a31Bc65",
		Name:    "USD Coin",
		Version: "2",
	},
	"avalanche": {
		Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Name:    "USD Coin",
		Version: "2",
	},
}

// Requirements describes exactly what payment satisfies a pending request.
type Requirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Challenge is the body of a payment-required response. Batch claims also
// report how many cells the quoted total covers.
type Challenge struct {
	X402Version      int            `json:"x402Version"`
	Accepts          []Requirements `json:"accepts"`
	Error            string         `json:"error"`
	CellCount        int            `json:"cellCount,omitempty"`
	TotalPriceAtomic string         `json:"totalPriceAtomic,omitempty"`
}

// Builder constructs payment requirements for a configured network and
// recipient. Building a challenge mutates nothing and is safe to repeat.
type Builder struct {
	network string
	payTo   string
}

// NewBuilder creates a challenge builder. The network must appear in the
// supported asset table.
func NewBuilder(network, payTo string) (*Builder, error) {
	if _, ok := usdcByNetwork[network]; !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	return &Builder{network: network, payTo: payTo}, nil
}

// Network returns the configured settlement network.
func (b *Builder) Network() string { return b.network }

// Requirements builds the payment description for one request.
func (b *Builder) Requirements(amount pricing.Amount, resource, description string) Requirements {
	asset := usdcByNetwork[b.network]
	return Requirements{
		Scheme:            SchemeExact,
		Network:           b.network,
		MaxAmountRequired: strconv.FormatInt(int64(amount), 10),
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             b.payTo,
		MaxTimeoutSeconds: MaxTimeoutSeconds,
		Asset:             asset.Address,
		Extra: map[string]string{
			"name":    asset.Name,
			"version": asset.Version,
		},
	}
}

// NewChallenge wraps requirements in a payment-required response body.
func NewChallenge(reqs Requirements) Challenge {
	return Challenge{
		X402Version: Version,
		Accepts:     []Requirements{reqs},
		Error:       "Payment required",
	}
}
