package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoWallet      = errors.New("no settlement wallet configured")
	ErrInvalidWallet = errors.New("invalid wallet address")
)

var evmNetworks = map[string]bool{
	"ethereum":  true,
	"base":      true,
	"polygon":   true,
	"arbitrum":  true,
	"optimism":  true,
	"bsc":       true,
	"celo":      true,
	"avalanche": true,
}

func IsEVMNetwork(network string) bool {
	return evmNetworks[strings.ToLower(strings.TrimSpace(network))]
}

type Wallet struct {
	Network string
	Address string
}

// SelectWallet walks networks in priority order and returns the first configured address.
// Malformed EVM addresses are skipped so a bad primary entry falls through to the next network.
func SelectWallet(wallets map[string]string, networks []string) (Wallet, error) {
	var invalid []string
	for _, network := range networks {
		network = strings.ToLower(strings.TrimSpace(network))
		addr := strings.TrimSpace(wallets[network])
		if addr == "" {
			continue
		}
		normalized, err := NormalizeAddress(network, addr)
		if err != nil {
			invalid = append(invalid, network)
			continue
		}
		return Wallet{Network: network, Address: normalized}, nil
	}
	if len(invalid) > 0 {
		return Wallet{}, fmt.Errorf("%w: invalid address on %s", ErrNoWallet, strings.Join(invalid, ", "))
	}
	return Wallet{}, fmt.Errorf("%w for networks %s", ErrNoWallet, strings.Join(networks, ", "))
}

// NormalizeAddress returns the EIP-55 checksummed form for EVM networks and the trimmed input
// otherwise.
func NormalizeAddress(network, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrInvalidWallet
	}
	if !IsEVMNetwork(network) {
		return addr, nil
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %s", ErrInvalidWallet, addr)
	}
	normalized := common.HexToAddress(addr)
	if normalized == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ErrInvalidWallet)
	}
	return normalized.Hex(), nil
}
