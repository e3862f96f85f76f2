package builder

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// MaxBlockHashAge is how many recent block hashes BLOCKHASH can see.
const MaxBlockHashAge = 256

// ChainSpec names a chain and its fork schedule.
type ChainSpec struct {
	Name   string
	Config *params.ChainConfig
}

var (
	Mainnet = &ChainSpec{Name: "mainnet", Config: params.MainnetChainConfig}
	Sepolia = &ChainSpec{Name: "sepolia", Config: params.SepoliaChainConfig}
	Holesky = &ChainSpec{Name: "holesky", Config: params.HoleskyChainConfig}
)

var knownChains = []*ChainSpec{Mainnet, Sepolia, Holesky}

// ChainSpecByName looks up a built-in chain.
func ChainSpecByName(name string) (*ChainSpec, error) {
	for _, c := range knownChains {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown chain %q", name)
}

// ChainSpecByID looks up a built-in chain by its chain id.
func ChainSpecByID(id uint64) (*ChainSpec, error) {
	for _, c := range knownChains {
		if c.Config.ChainID.Uint64() == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown chain id %d", id)
}

// ChainID returns the replay-protection chain id.
func (c *ChainSpec) ChainID() uint64 {
	return c.Config.ChainID.Uint64()
}

// Supported reports whether blocks at number and time can be verified:
// post-merge, Shanghai active and Cancun not yet active.
func (c *ChainSpec) Supported(number, time uint64) bool {
	num := new(big.Int).SetUint64(number)
	return c.Config.TerminalTotalDifficulty != nil &&
		c.Config.IsShanghai(num, time) &&
		!c.Config.IsCancun(num, time)
}
