package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

// nonceFile persists the next nonce per account so a restart does not race
// transactions that were broadcast just before shutdown. The chain's
// pending nonce still wins when it is ahead.
type nonceFile struct {
	path string
}

func newNonceFile(dataDir string) *nonceFile {
	return &nonceFile{path: filepath.Join(dataDir, "nonce.json")}
}

func (n *nonceFile) load(account common.Address) (uint64, bool, error) {
	data, err := os.ReadFile(n.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading nonce file: %w", err)
	}
	entries := make(map[string]uint64)
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, false, fmt.Errorf("malformed nonce file %s: %w", n.path, err)
	}
	nonce, ok := entries[account.Hex()]
	return nonce, ok, nil
}

func (n *nonceFile) save(account common.Address, nonce uint64) error {
	entries := make(map[string]uint64)
	if data, err := os.ReadFile(n.path); err == nil {
		// Best effort: a corrupt file is rewritten from scratch.
		_ = json.Unmarshal(data, &entries)
	}
	entries[account.Hex()] = nonce
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(n.path, data, 0o600)
}
