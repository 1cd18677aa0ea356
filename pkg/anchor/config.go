// Package anchor confirms that a receipt's evidence bundle has been committed
// on-chain and reports that commitment to the backend.
package anchor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ExecutionMode says who signs the anchoring transaction.
type ExecutionMode string

const (
	// ModePlatform: the backend custodies the key and anchors by itself.
	ModePlatform ExecutionMode = "platform"
	// ModeTenant: the caller's wallet anchors and reports the txid.
	ModeTenant ExecutionMode = "tenant"
)

var (
	ErrMissingConfig     = errors.New("missing_config")
	ErrMissingBundleHash = errors.New("receipt_missing_bundle_hash")
	ErrNoSigner          = errors.New("anchor: tenant mode requires a local signer")
	ErrNoChains          = errors.New("project_missing_anchoring_chains")
	ErrUnknownChain      = errors.New("unknown_chain")
	ErrChainRequired     = errors.New("chain_required")
	ErrMissingContract   = errors.New("anchor: chain has no valid contract address")
	ErrInvalidMode       = errors.New("anchor: invalid execution mode")
	ErrNotPreAnchor      = errors.New("anchor: receipt is not awaiting an anchor")
	ErrAnchorFailed      = errors.New("anchor: backend reported the receipt as failed")
	ErrPlatformTimeout   = errors.New("anchor: timed out waiting for platform anchor")
	ErrInvalidProof      = errors.New("anchor: proof needs receipt id and txid")
)

var bundleHashRE = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidBundleHash reports whether s is 0x followed by 64 hex characters.
func ValidBundleHash(s string) bool {
	return bundleHashRE.MatchString(s)
}

// ChainConfig is one anchoring target.
type ChainConfig struct {
	Name            string `json:"name" yaml:"name"`
	Contract        string `json:"contract" yaml:"contract"`
	RPCURL          string `json:"rpc_url,omitempty" yaml:"rpc_url,omitempty"`
	ExplorerBaseURL string `json:"explorer_base_url,omitempty" yaml:"explorer_base_url,omitempty"`
}

// HasContract reports whether the chain has a usable contract address.
func (c ChainConfig) HasContract() bool {
	return common.IsHexAddress(c.Contract)
}

// ExplorerTxURL links txid on the chain's explorer, or returns "".
func (c ChainConfig) ExplorerTxURL(txid string) string {
	if c.ExplorerBaseURL == "" || txid == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerBaseURL, "/") + "/tx/" + txid
}

type AnchoringConfig struct {
	ExecutionMode ExecutionMode `json:"execution_mode" yaml:"execution_mode"`
	Chains        []ChainConfig `json:"chains" yaml:"chains"`
}

// Mode is the effective execution mode. An unset mode means platform.
func (a AnchoringConfig) Mode() ExecutionMode {
	if a.ExecutionMode == "" {
		return ModePlatform
	}
	return a.ExecutionMode
}

// ProjectConfig is the per-project configuration document.
type ProjectConfig struct {
	Anchoring AnchoringConfig `json:"anchoring" yaml:"anchoring"`
}

// Validate checks the invariants the workflow depends on.
func (p *ProjectConfig) Validate() error {
	a := p.Anchoring
	switch a.Mode() {
	case ModePlatform:
	case ModeTenant:
		if len(a.Chains) == 0 {
			return ErrNoChains
		}
		if len(p.ChainsWithContract()) == 0 {
			return ErrMissingContract
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, a.ExecutionMode)
	}
	seen := make(map[string]bool, len(a.Chains))
	for _, c := range a.Chains {
		key := strings.ToLower(strings.TrimSpace(c.Name))
		if key == "" {
			return fmt.Errorf("%w: chain with empty name", ErrUnknownChain)
		}
		if seen[key] {
			return fmt.Errorf("anchor: duplicate chain %q", c.Name)
		}
		seen[key] = true
	}
	return nil
}

// ChainsWithContract lists configured chains that have a valid contract.
func (p *ProjectConfig) ChainsWithContract() []ChainConfig {
	var out []ChainConfig
	for _, c := range p.Anchoring.Chains {
		if c.HasContract() {
			out = append(out, c)
		}
	}
	return out
}

// Chain finds a configured chain by case-insensitive name.
func (p *ProjectConfig) Chain(name string) (ChainConfig, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, c := range p.Anchoring.Chains {
		if strings.ToLower(strings.TrimSpace(c.Name)) == want {
			return c, true
		}
	}
	return ChainConfig{}, false
}

// SelectChain picks the chain to anchor on: an explicit override first, then
// the receipt's own chain when configured, then the only configured chain.
func (p *ProjectConfig) SelectChain(override, receiptChain string) (ChainConfig, error) {
	chains := p.Anchoring.Chains
	if len(chains) == 0 {
		return ChainConfig{}, ErrNoChains
	}
	if override != "" {
		c, ok := p.Chain(override)
		if !ok {
			return ChainConfig{}, fmt.Errorf("%w: %q", ErrUnknownChain, override)
		}
		return c, nil
	}
	if receiptChain != "" {
		if c, ok := p.Chain(receiptChain); ok {
			return c, nil
		}
	}
	if len(chains) == 1 {
		return chains[0], nil
	}
	return ChainConfig{}, ErrChainRequired
}
