package chainwatch

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haleoracle/internal/credential"
	"haleoracle/pkg/platform/sentinel"
)

var (
	factoryAddr = common.HexToAddress("0xFAC7000000000000000000000000000000000001")
	escrowAddr  = common.HexToAddress("0xE5C2000000000000000000000000000000000001")
	sellerAddr  = common.HexToAddress("0x5E11000000000000000000000000000000000001")
)

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	logs      []types.Log
	receipts  map[common.Hash]*types.Receipt
	failNext  int
	filterErr error
	queries   []ethereum.FilterQuery
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.failNext > 0 {
		f.failNext--
		return nil, f.filterErr
	}

	var out []types.Log
	for _, l := range f.logs {
		if !addressMatches(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && (len(l.Topics) == 0 || l.Topics[0] != q.Topics[0][0]) {
			continue
		}
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func addressMatches(addrs []common.Address, a common.Address) bool {
	if len(addrs) == 0 {
		return true
	}
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string // "recipient: text"
	err  error
}

func (f *fakeSender) Send(_ context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recipient+": "+text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func escrowCreatedLog(escrow, owner common.Address, block uint64) types.Log {
	return types.Log{
		Address: factoryAddr,
		Topics: []common.Hash{
			EscrowCreatedTopic,
			common.BytesToHash(escrow.Bytes()),
			common.BytesToHash(owner.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(1000).Bytes(), 32),
		BlockNumber: block,
	}
}

func requirementsLog(escrow, seller common.Address, requirements, contact string, block uint64) types.Log {
	data, err := requirementsData.Pack(requirements, contact)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: escrow,
		Topics: []common.Hash{
			RequirementsSetTopic,
			common.BytesToHash(seller.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
	}
}

func TestScanWindowDiscoversAndIssues(t *testing.T) {
	chain := &fakeChain{
		head: 120,
		logs: []types.Log{
			escrowCreatedLog(escrowAddr, sellerAddr, 110),
			requirementsLog(escrowAddr, sellerAddr, "deliver a csv parser", "@seller_handle", 115),
		},
	}
	store := credential.NewMemoryStore()
	sender := &fakeSender{}
	w := New(chain, factoryAddr, store, sender, "http://localhost:3002/")
	w.lastSeen = 100

	require.NoError(t, w.scanWindow(context.Background()))

	assert.Contains(t, w.TrackedEscrows(), escrowAddr)
	assert.Equal(t, uint64(121), w.lastSeen, "cursor advances past the scanned head")

	rec, err := store.Get(context.Background(), sellerAddr.Hex())
	require.NoError(t, err)
	assert.Len(t, rec.Code, credential.CodeLength)
	assert.Equal(t, escrowAddr.Hex(), rec.EscrowAddress)
	assert.Equal(t, "deliver a csv parser", rec.Requirements)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "@seller_handle:")
	assert.Contains(t, msgs[0], rec.Code)
	assert.Contains(t, msgs[0], "http://localhost:3002/submit?escrow="+escrowAddr.Hex())
}

func TestScanWindowSkipsNotificationWithoutContact(t *testing.T) {
	chain := &fakeChain{
		head: 50,
		logs: []types.Log{
			escrowCreatedLog(escrowAddr, sellerAddr, 40),
			requirementsLog(escrowAddr, sellerAddr, "anything", "no telegram", 41),
		},
	}
	store := credential.NewMemoryStore()
	sender := &fakeSender{}
	w := New(chain, factoryAddr, store, sender, "http://localhost:3002")
	w.lastSeen = 30

	require.NoError(t, w.scanWindow(context.Background()))

	_, err := store.Get(context.Background(), sellerAddr.Hex())
	assert.NoError(t, err, "credential is still issued")
	assert.Empty(t, sender.messages())
}

func TestScanWindowRetriesSameWindowOnError(t *testing.T) {
	chain := &fakeChain{
		head:      75,
		failNext:  1,
		filterErr: errors.New("rpc unavailable"),
		logs: []types.Log{
			escrowCreatedLog(escrowAddr, sellerAddr, 70),
		},
	}
	w := New(chain, factoryAddr, credential.NewMemoryStore(), &fakeSender{}, "http://localhost:3002")
	w.lastSeen = 60

	require.Error(t, w.scanWindow(context.Background()))
	assert.Equal(t, uint64(60), w.lastSeen, "cursor must not move on failure")

	require.NoError(t, w.scanWindow(context.Background()))
	assert.Equal(t, uint64(76), w.lastSeen)
	assert.Contains(t, w.TrackedEscrows(), escrowAddr, "retried window delivers the missed event")
}

func TestReissueInvalidatesPriorCode(t *testing.T) {
	chain := &fakeChain{
		head: 20,
		logs: []types.Log{
			escrowCreatedLog(escrowAddr, sellerAddr, 10),
			requirementsLog(escrowAddr, sellerAddr, "first", "no telegram", 11),
		},
	}
	store := credential.NewMemoryStore()
	w := New(chain, factoryAddr, store, &fakeSender{}, "http://localhost:3002")
	w.lastSeen = 1

	require.NoError(t, w.scanWindow(context.Background()))
	first, err := store.Get(context.Background(), sellerAddr.Hex())
	require.NoError(t, err)

	chain.mu.Lock()
	chain.head = 40
	chain.logs = append(chain.logs, requirementsLog(escrowAddr, sellerAddr, "second", "no telegram", 30))
	chain.mu.Unlock()

	require.NoError(t, w.scanWindow(context.Background()))
	second, err := store.Get(context.Background(), sellerAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "second", second.Requirements)
	if first.Code == second.Code {
		// A collision across two 5-digit codes is possible but the record
		// itself must have been replaced.
		assert.NotEqual(t, first.Requirements, second.Requirements)
	}
}

func TestEnsureCredentialFromReceipt(t *testing.T) {
	txHash := common.HexToHash("0xabc123")
	l := requirementsLog(escrowAddr, sellerAddr, "receipt path", "no telegram", 99)
	chain := &fakeChain{
		head:     100,
		receipts: map[common.Hash]*types.Receipt{txHash: {Logs: []*types.Log{&l}}},
	}
	store := credential.NewMemoryStore()
	w := New(chain, factoryAddr, store, &fakeSender{}, "http://localhost:3002")

	rec, err := w.EnsureCredential(context.Background(), escrowAddr, sellerAddr, txHash.Hex())
	require.NoError(t, err)
	assert.Equal(t, "receipt path", rec.Requirements)
	assert.Len(t, rec.Code, credential.CodeLength)

	stored, err := store.Get(context.Background(), sellerAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, rec.Code, stored.Code)
}

func TestEnsureCredentialFromReceiptWrongSeller(t *testing.T) {
	txHash := common.HexToHash("0xdef456")
	other := common.HexToAddress("0x1234000000000000000000000000000000000099")
	l := requirementsLog(escrowAddr, other, "someone else", "no telegram", 99)
	chain := &fakeChain{
		head:     100,
		receipts: map[common.Hash]*types.Receipt{txHash: {Logs: []*types.Log{&l}}},
	}
	w := New(chain, factoryAddr, credential.NewMemoryStore(), &fakeSender{}, "http://localhost:3002")

	_, err := w.EnsureCredential(context.Background(), escrowAddr, sellerAddr, txHash.Hex())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestEnsureCredentialFallbackScanPicksNewest(t *testing.T) {
	chain := &fakeChain{
		head: 2000,
		logs: []types.Log{
			requirementsLog(escrowAddr, sellerAddr, "stale", "no telegram", 1500),
			requirementsLog(escrowAddr, sellerAddr, "fresh", "no telegram", 1900),
		},
	}
	store := credential.NewMemoryStore()
	w := New(chain, factoryAddr, store, &fakeSender{}, "http://localhost:3002")

	rec, err := w.EnsureCredential(context.Background(), escrowAddr, sellerAddr, "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.Requirements)

	chain.mu.Lock()
	q := chain.queries[len(chain.queries)-1]
	chain.mu.Unlock()
	assert.Equal(t, uint64(1000), q.FromBlock.Uint64(), "fallback scan is depth-bounded")
}

func TestEnsureCredentialFallbackScanNotFound(t *testing.T) {
	chain := &fakeChain{head: 100}
	w := New(chain, factoryAddr, credential.NewMemoryStore(), &fakeSender{}, "http://localhost:3002")

	_, err := w.EnsureCredential(context.Background(), escrowAddr, sellerAddr, "")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	chain := &fakeChain{head: 10}
	w := New(chain, factoryAddr, credential.NewMemoryStore(), &fakeSender{}, "http://localhost:3002",
		WithPollInterval(time.Millisecond), WithErrorBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestDecodeRequirementsRejectsForeignLog(t *testing.T) {
	l := escrowCreatedLog(escrowAddr, sellerAddr, 5)
	_, err := DecodeRequirements(l)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ContractRequirementsSet"))
}
