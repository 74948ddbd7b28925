package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract is a deployed contract the client knows how to call: a name, an
// address from the persisted address map, and a parsed ABI.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

// Registry holds every contract the client talks to. Built once at startup;
// read-only afterwards.
type Registry struct {
	contracts map[string]*Contract
}

// NewRegistry parses the ABI for each address-map entry. ABIs come from the
// built-in fragments unless abiDir contains an override for the contract.
func NewRegistry(addresses map[string]common.Address, abiDir string) (*Registry, error) {
	contracts := make(map[string]*Contract, len(addresses))
	for name, address := range addresses {
		rawABI, err := loadABI(name, abiDir)
		if err != nil {
			return nil, err
		}
		parsed, err := abi.JSON(strings.NewReader(rawABI))
		if err != nil {
			return nil, fmt.Errorf("parsing ABI for %s: %w", name, err)
		}
		contracts[name] = &Contract{
			Name:    name,
			Address: address,
			ABI:     parsed,
		}
	}
	return &Registry{contracts: contracts}, nil
}

func loadABI(name, abiDir string) (string, error) {
	if abiDir != "" {
		path := filepath.Join(abiDir, name+".json")
		if data, err := os.ReadFile(path); err == nil {
			return extractABI(data)
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("reading ABI file %s: %w", path, err)
		}
	}
	rawABI, ok := defaultABIs[name]
	if !ok {
		return "", fmt.Errorf("no ABI available for contract %s", name)
	}
	return rawABI, nil
}

// extractABI accepts either a raw ABI array or a forge build artifact with
// a top-level "abi" key.
func extractABI(data []byte) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return trimmed, nil
	}
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(data, &artifact); err != nil {
		return "", fmt.Errorf("malformed ABI artifact: %w", err)
	}
	if len(artifact.ABI) == 0 {
		return "", fmt.Errorf("ABI artifact has no %q key", "abi")
	}
	return string(artifact.ABI), nil
}

// Get returns the named contract or a typed not-found error.
func (r *Registry) Get(name string) (*Contract, error) {
	contract, ok := r.contracts[name]
	if !ok {
		return nil, ErrContractNotFound{Name: name}
	}
	return contract, nil
}

// Names returns the registered contract names, for logging.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	return names
}
