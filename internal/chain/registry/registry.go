package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"OpenWallet-Chain/internal/chain"
	"OpenWallet-Chain/internal/chain/ethereum"
)

// Config controls how readers are constructed for each network.
type Config struct {
	// DefinitionsPath points at the YAML file supplying RPC endpoints and
	// optional contract address overrides.
	DefinitionsPath string
	// DefaultNetwork selects the network used when callers do not specify one.
	DefaultNetwork    string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ReceiptTimeout    time.Duration
}

// Registry manages one chain.Reader per configured network.
type Registry struct {
	defaultNetwork string
	networks       map[string]chain.Network
	readers        map[string]chain.Reader
}

// New loads network definitions and dials readers for every configured entry.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	networks, err := chain.LoadDefinitions(cfg.DefinitionsPath)
	if err != nil {
		return nil, err
	}

	readers := make(map[string]chain.Reader, len(networks))
	for id, net := range networks {
		if len(net.RPCURLs) == 0 {
			continue
		}
		reader, err := ethereum.NewReader(ctx, ethereum.Config{
			Network:           net,
			PollInterval:      cfg.PollInterval,
			VisibilityTimeout: cfg.VisibilityTimeout,
			ReceiptTimeout:    cfg.ReceiptTimeout,
		})
		if err != nil {
			for _, r := range readers {
				r.Close()
			}
			return nil, fmt.Errorf("初始化网络 %s 失败: %w", id, err)
		}
		readers[id] = reader
	}
	if len(readers) == 0 {
		return nil, errors.New("未配置任何网络的 RPC 端点")
	}

	defaultNetwork := cfg.DefaultNetwork
	if defaultNetwork == "" {
		ids := make([]string, 0, len(readers))
		for id := range readers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		defaultNetwork = ids[0]
	}
	if _, ok := readers[defaultNetwork]; !ok {
		return nil, fmt.Errorf("默认网络 %s 未在配置中找到", defaultNetwork)
	}

	return &Registry{defaultNetwork: defaultNetwork, networks: networks, readers: readers}, nil
}

// Reader returns the reader for the named network.
func (r *Registry) Reader(networkID string) (chain.Reader, bool) {
	if r == nil {
		return nil, false
	}
	reader, ok := r.readers[networkID]
	return reader, ok
}

// Network returns the merged network metadata for the named network.
func (r *Registry) Network(networkID string) (chain.Network, error) {
	if r == nil {
		return chain.Network{}, errors.New("未初始化的网络注册表")
	}
	if net, ok := r.networks[networkID]; ok {
		return net, nil
	}
	return chain.Lookup(networkID)
}

// DefaultNetwork returns the id of the network used when none is specified.
func (r *Registry) DefaultNetwork() string {
	if r == nil {
		return ""
	}
	return r.defaultNetwork
}

// Networks returns the sorted list of networks with a live reader.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.readers))
	for id := range r.readers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases all readers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, reader := range r.readers {
		if reader != nil {
			reader.Close()
		}
		delete(r.readers, id)
	}
}
