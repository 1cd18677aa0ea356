// Package chain talks to EVM chains: it pays for premium calls with ERC-20
// transfers and commits bundle hashes to EvidenceAnchor contracts.
package chain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

const erc20ABIJSON = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"indexed":true,"name":"from","type":"address"},
             {"indexed":true,"name":"to","type":"address"},
             {"indexed":false,"name":"value","type":"uint256"}]}
]`

const evidenceAnchorABIJSON = `[
  {"type":"function","name":"anchorEvidence","stateMutability":"nonpayable",
   "inputs":[{"name":"bundleHash","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"EvidenceAnchored","anonymous":false,
   "inputs":[{"indexed":false,"name":"bundleHash","type":"bytes32"},
             {"indexed":true,"name":"sender","type":"address"},
             {"indexed":false,"name":"ts","type":"uint256"}]}
]`

var (
	erc20ABI          = mustParseABI(erc20ABIJSON)
	evidenceAnchorABI = mustParseABI(evidenceAnchorABIJSON)

	// EvidenceAnchoredTopic is topic0 of EvidenceAnchored(bytes32,address,uint256).
	EvidenceAnchoredTopic = evidenceAnchorABI.Events["EvidenceAnchored"].ID
	// TransferTopic is topic0 of Transfer(address,address,uint256).
	TransferTopic = erc20ABI.Events["Transfer"].ID
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

// ParseBundleHash decodes a 0x-prefixed 32-byte hex digest.
func ParseBundleHash(s string) ([32]byte, error) {
	var out [32]byte
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return out, fmt.Errorf("%w: %q", ErrInvalidBundleHash, s)
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: %q", ErrInvalidBundleHash, s)
	}
	copy(out[:], b)
	return out, nil
}

// PackAnchorEvidence returns calldata for anchorEvidence(bundleHash).
func PackAnchorEvidence(bundleHash [32]byte) ([]byte, error) {
	return evidenceAnchorABI.Pack("anchorEvidence", bundleHash)
}

// MatchAnchorLog reports whether logs contain an EvidenceAnchored event from
// contract committing bundleHash.
func MatchAnchorLog(logs []*types.Log, contract common.Address, bundleHash [32]byte) bool {
	for _, l := range logs {
		if l == nil || l.Address != contract || len(l.Topics) == 0 {
			continue
		}
		if l.Topics[0] != EvidenceAnchoredTopic || len(l.Data) < 32 {
			continue
		}
		if bytes.Equal(l.Data[:32], bundleHash[:]) {
			return true
		}
	}
	return false
}

// matchTransferLog reports whether logs contain an ERC-20 Transfer of token
// to recipient.
func matchTransferLog(logs []*types.Log, token, recipient common.Address) bool {
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) < 3 || l.Topics[0] != TransferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) == recipient {
			return true
		}
	}
	return false
}
