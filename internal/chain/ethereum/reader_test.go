package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"OpenWallet-Chain/internal/chain"
	xerrors "OpenWallet-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// rpcStub is a minimal JSON-RPC node whose responses can be changed while a
// test runs. Only the methods the reader issues are implemented.
type rpcStub struct {
	mu        sync.Mutex
	code      map[common.Address]string
	nonce     string
	codeCalls int
}

func newRPCStub() *rpcStub {
	return &rpcStub{code: make(map[common.Address]string), nonce: "0x0"}
}

func (s *rpcStub) setCode(addr common.Address, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code[addr] = code
}

func (s *rpcStub) setNonce(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce = raw
}

func (s *rpcStub) codeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codeCalls
}

func (s *rpcStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var result string
	switch req.Method {
	case "eth_getCode":
		s.codeCalls++
		var addr common.Address
		_ = json.Unmarshal(req.Params[0], &addr)
		result = s.code[addr]
		if result == "" {
			result = "0x"
		}
	case "eth_getTransactionCount":
		result = s.nonce
	default:
		result = "0x0"
	}
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": result}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestReader(t *testing.T, stubs ...*rpcStub) *Reader {
	t.Helper()

	urls := make([]string, 0, len(stubs))
	for _, stub := range stubs {
		server := httptest.NewServer(stub)
		t.Cleanup(server.Close)
		urls = append(urls, server.URL)
	}

	reader, err := NewReader(context.Background(), Config{
		Network: chain.Network{
			ID:      "stub",
			ChainID: 1337,
			RPCURLs: urls,
		},
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	t.Cleanup(reader.Close)
	return reader
}

func TestGetNonceNormalizesEmptyResult(t *testing.T) {
	t.Parallel()

	stub := newRPCStub()
	reader := newTestReader(t, stub)
	ctx := context.Background()
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	for _, raw := range []string{"0x", ""} {
		stub.setNonce(raw)
		nonce, err := reader.GetNonce(ctx, addr)
		if err != nil {
			t.Fatalf("get nonce with %q: %v", raw, err)
		}
		if nonce != 0 {
			t.Fatalf("expected nonce 0 for %q, got %d", raw, nonce)
		}
	}

	stub.setNonce("0x2a")
	nonce, err := reader.GetNonce(ctx, addr)
	if err != nil {
		t.Fatalf("get nonce: %v", err)
	}
	if nonce != 42 {
		t.Fatalf("expected nonce 42, got %d", nonce)
	}
}

func TestWaitForCodeRequiresAllEndpoints(t *testing.T) {
	t.Parallel()

	fast := newRPCStub()
	slow := newRPCStub()
	reader := newTestReader(t, fast, slow)
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")

	// Only the fast node sees the deployment: must time out.
	fast.setCode(addr, "0x60016001")
	err := reader.WaitForCode(context.Background(), addr)
	if err == nil {
		t.Fatal("expected timeout while one endpoint reports empty code")
	}
	if xerrors.CodeOf(err) != chain.CodeDeploymentNotVisible {
		t.Fatalf("expected DEPLOYMENT_NOT_VISIBLE, got %v", err)
	}

	// Once the lagging node catches up the wait succeeds.
	slow.setCode(addr, "0x60016001")
	if err := reader.WaitForCode(context.Background(), addr); err != nil {
		t.Fatalf("wait for code after sync: %v", err)
	}
}

func TestWaitForCodeSucceedsWhenLaggingNodeCatchesUp(t *testing.T) {
	t.Parallel()

	fast := newRPCStub()
	slow := newRPCStub()
	reader := newTestReader(t, fast, slow)
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")

	fast.setCode(addr, "0x6001")
	go func() {
		time.Sleep(50 * time.Millisecond)
		slow.setCode(addr, "0x6001")
	}()

	if err := reader.WaitForCode(context.Background(), addr); err != nil {
		t.Fatalf("wait for code: %v", err)
	}
}

func TestWaitForCodeMemoisesVisibility(t *testing.T) {
	t.Parallel()

	a := newRPCStub()
	b := newRPCStub()
	reader := newTestReader(t, a, b)
	addr := common.HexToAddress("0x4444444444444444444444444444444444444444")

	a.setCode(addr, "0x6001")
	b.setCode(addr, "0x6001")
	if err := reader.WaitForCode(context.Background(), addr); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	// Repeat calls must only perform the cheap existence check on the
	// primary endpoint, never re-polling the full endpoint set.
	before := b.codeCallCount()
	for i := 0; i < 2; i++ {
		if err := reader.WaitForCode(context.Background(), addr); err != nil {
			t.Fatalf("repeat wait %d: %v", i, err)
		}
	}
	if after := b.codeCallCount(); after != before {
		t.Fatalf("secondary endpoint polled %d more times after memoisation", after-before)
	}
}

func TestNewReaderRejectsEmptyEndpointList(t *testing.T) {
	t.Parallel()

	_, err := NewReader(context.Background(), Config{Network: chain.Network{ID: "stub", ChainID: 1}})
	if err == nil {
		t.Fatal("expected error for empty endpoint list")
	}
	var coded *xerrors.Error
	if errors.As(err, &coded) {
		t.Fatalf("plain config error expected, got coded %v", coded)
	}
}
