package runtime

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
)

// Genesis seeds a memory or sql chain.
type Genesis struct {
	Operator     types.AccountID
	ValidatorSet types.ValidatorSet
	Accounts     []types.AccountProxies
	Assets       []types.AssetID
	Intervals    types.SnapshotIntervals
}

type genesisFile struct {
	Operator       string `yaml:"operator"`
	ValidatorSetID uint64 `yaml:"validatorSetId"`
	Validators     []struct {
		Account string `yaml:"account"`
		BLSKey  string `yaml:"blsKey"`
	} `yaml:"validators"`
	Accounts []struct {
		Main    string   `yaml:"main"`
		Proxies []string `yaml:"proxies"`
	} `yaml:"accounts"`
	Assets    []string                `yaml:"assets"`
	Intervals types.SnapshotIntervals `yaml:"intervals"`
}

// LoadGenesis reads a YAML genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: read genesis: %w", err)
	}
	return ParseGenesis(raw)
}

// ParseGenesis decodes a YAML genesis document.
func ParseGenesis(raw []byte) (*Genesis, error) {
	var file genesisFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("runtime: decode genesis: %w", err)
	}
	g := &Genesis{Intervals: file.Intervals}
	if file.Operator != "" {
		op, err := crypto.DecodeAddress(file.Operator)
		if err != nil {
			return nil, fmt.Errorf("runtime: genesis operator: %w", err)
		}
		g.Operator = op
	}
	g.ValidatorSet.SetID = file.ValidatorSetID
	for i, v := range file.Validators {
		account, err := crypto.DecodeAddress(v.Account)
		if err != nil {
			return nil, fmt.Errorf("runtime: genesis validator %d: %w", i, err)
		}
		key, err := hexutil.Decode(v.BLSKey)
		if err != nil || len(key) != crypto.BLSPublicKeySize {
			return nil, fmt.Errorf("runtime: genesis validator %d: invalid bls key", i)
		}
		g.ValidatorSet.Validators = append(g.ValidatorSet.Validators, types.Validator{Account: account, BLSKey: key})
	}
	for i, a := range file.Accounts {
		main, err := crypto.DecodeAddress(a.Main)
		if err != nil {
			return nil, fmt.Errorf("runtime: genesis account %d: %w", i, err)
		}
		entry := types.AccountProxies{Main: main}
		for _, p := range a.Proxies {
			proxy, err := crypto.DecodeAddress(p)
			if err != nil {
				return nil, fmt.Errorf("runtime: genesis account %d proxy: %w", i, err)
			}
			entry.Proxies = append(entry.Proxies, proxy)
		}
		g.Accounts = append(g.Accounts, entry)
	}
	for _, a := range file.Assets {
		asset, err := types.ParseAssetID(a)
		if err != nil {
			return nil, fmt.Errorf("runtime: genesis asset: %w", err)
		}
		g.Assets = append(g.Assets, asset)
	}
	return g, nil
}
