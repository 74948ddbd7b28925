//go:build unit || !integration

package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuildsFromDefaultABIs(t *testing.T) {
	addresses := map[string]common.Address{
		"NodeManager": common.BigToAddress(common.Big1),
		"JobManager":  common.BigToAddress(common.Big2),
	}
	registry, err := NewRegistry(addresses, "")
	require.NoError(t, err)

	nm, err := registry.Get("NodeManager")
	require.NoError(t, err)
	assert.Equal(t, addresses["NodeManager"], nm.Address)
	_, ok := nm.ABI.Methods["registerNode"]
	assert.True(t, ok)

	assert.ElementsMatch(t, []string{"NodeManager", "JobManager"}, registry.Names())
}

func TestRegistryUnknownContract(t *testing.T) {
	registry, err := NewRegistry(map[string]common.Address{}, "")
	require.NoError(t, err)

	_, err = registry.Get("NodeManager")
	require.Error(t, err)
	var notFound ErrContractNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "NodeManager", notFound.Name)
}

func TestRegistryABIDirOverride(t *testing.T) {
	dir := t.TempDir()
	raw := `[{"type":"function","name":"customCall","stateMutability":"view","inputs":[],"outputs":[]}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NodeManager.json"), []byte(raw), 0o600))

	registry, err := NewRegistry(map[string]common.Address{
		"NodeManager": common.BigToAddress(common.Big1),
	}, dir)
	require.NoError(t, err)

	nm, err := registry.Get("NodeManager")
	require.NoError(t, err)
	_, ok := nm.ABI.Methods["customCall"]
	assert.True(t, ok, "the override ABI replaces the built-in one")
	_, ok = nm.ABI.Methods["registerNode"]
	assert.False(t, ok)
}

func TestExtractABIFromForgeArtifact(t *testing.T) {
	artifact := `{"abi":[{"type":"function","name":"f","stateMutability":"view","inputs":[],"outputs":[]}],"bytecode":"0x00"}`
	raw, err := extractABI([]byte(artifact))
	require.NoError(t, err)
	assert.Contains(t, raw, `"name":"f"`)

	plain := ` [{"type":"function","name":"g","stateMutability":"view","inputs":[],"outputs":[]}] `
	raw, err = extractABI([]byte(plain))
	require.NoError(t, err)
	assert.Contains(t, raw, `"name":"g"`)

	_, err = extractABI([]byte(`{"bytecode":"0x00"}`))
	require.Error(t, err, "artifact without an abi key")
	_, err = extractABI([]byte(`not json`))
	require.Error(t, err)
}
