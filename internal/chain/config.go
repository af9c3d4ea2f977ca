package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/networks.yaml.
type Definitions struct {
	Networks map[string]Definition `yaml:"networks"`
}

// Definition describes one network entry. Only RPC endpoints are mandatory;
// contract addresses default to the built-in table for known networks.
type Definition struct {
	ChainID         int64    `yaml:"chain_id"`
	RPCURLs         []string `yaml:"rpc_urls"`
	SafeSingleton   string   `yaml:"safe_singleton"`
	ProxyFactory    string   `yaml:"proxy_factory"`
	FallbackHandler string   `yaml:"fallback_handler"`
	MultiSend       string   `yaml:"multi_send"`
	AllowanceModule string   `yaml:"allowance_module"`
	USDC            string   `yaml:"usdc"`
	Description     string   `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing network metadata and merges
// each entry over the built-in table.
func LoadDefinitions(path string) (map[string]Network, error) {
	if strings.TrimSpace(path) == "" {
		return map[string]Network{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取网络配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("解析网络配置失败: %w", err)
	}

	merged := make(map[string]Network, len(defs.Networks))
	for id, def := range defs.Networks {
		net, ok := builtinNetworks[id]
		if !ok {
			net = Network{ID: id, Name: id}
		}
		if def.ChainID != 0 {
			net.ChainID = def.ChainID
		}
		if len(def.RPCURLs) > 0 {
			net.RPCURLs = append([]string(nil), def.RPCURLs...)
		}
		if err := overrideAddress(&net.SafeSingleton, def.SafeSingleton); err != nil {
			return nil, fmt.Errorf("网络 %s 的 safe_singleton 非法: %w", id, err)
		}
		if err := overrideAddress(&net.ProxyFactory, def.ProxyFactory); err != nil {
			return nil, fmt.Errorf("网络 %s 的 proxy_factory 非法: %w", id, err)
		}
		if err := overrideAddress(&net.FallbackHandler, def.FallbackHandler); err != nil {
			return nil, fmt.Errorf("网络 %s 的 fallback_handler 非法: %w", id, err)
		}
		if err := overrideAddress(&net.MultiSend, def.MultiSend); err != nil {
			return nil, fmt.Errorf("网络 %s 的 multi_send 非法: %w", id, err)
		}
		if err := overrideAddress(&net.AllowanceModule, def.AllowanceModule); err != nil {
			return nil, fmt.Errorf("网络 %s 的 allowance_module 非法: %w", id, err)
		}
		if err := overrideAddress(&net.USDC, def.USDC); err != nil {
			return nil, fmt.Errorf("网络 %s 的 usdc 非法: %w", id, err)
		}
		if net.ChainID == 0 {
			return nil, fmt.Errorf("网络 %s 缺少 chain_id", id)
		}
		merged[id] = withDefaults(net)
	}
	return merged, nil
}

func overrideAddress(dst *common.Address, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("不是合法的地址: %s", raw)
	}
	*dst = common.HexToAddress(raw)
	return nil
}
