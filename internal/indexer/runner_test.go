package indexer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"fluxGarden/internal/aggregate"
	"fluxGarden/internal/chain"
	"fluxGarden/internal/model"
	"fluxGarden/internal/staking"
	"fluxGarden/internal/storage"
	"fluxGarden/internal/storage/leveldb"
)

var (
	stakingContract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	staker          = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// fakeChain serves logs and headers from memory. Blocks default to a hash
// derived from their number; fork overrides hashes from a block onwards.
type fakeChain struct {
	mu          sync.Mutex
	head        uint64
	forks       map[uint64]uint64
	logs        []types.Log
	failFilter  int
	filterCalls int
	forgotten   []uint64
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{head: head, forks: map[uint64]uint64{}}
}

func (f *fakeChain) hash(number uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(f.forks[number]<<32 | (0xb000 + number)))
}

// fork replaces every block from number onwards and drops their logs.
func (f *fakeChain) fork(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for n := number; n <= f.head+64; n++ {
		f.forks[n]++
	}
	kept := f.logs[:0]
	for _, log := range f.logs {
		if log.BlockNumber < number {
			kept = append(kept, log)
		}
	}
	f.logs = kept
}

// replace gives the listed blocks new hashes and drops their logs while
// leaving every other block untouched.
func (f *fakeChain) replace(numbers ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := make(map[uint64]bool)
	for _, n := range numbers {
		f.forks[n]++
		dropped[n] = true
	}
	kept := f.logs[:0]
	for _, log := range f.logs {
		if !dropped[log.BlockNumber] {
			kept = append(kept, log)
		}
	}
	f.logs = kept
}

func (f *fakeChain) addLog(log types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log.BlockHash = f.hash(log.BlockNumber)
	f.logs = append(f.logs, log)
}

func (f *fakeChain) GetChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	if f.failFilter > 0 {
		f.failFilter--
		return nil, errors.New("rpc unavailable")
	}
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber >= fromBlock && log.BlockNumber <= toBlock {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeChain) Block(ctx context.Context, number uint64) (chain.BlockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return chain.BlockInfo{
		Number:    number,
		Hash:      strings.ToLower(f.hash(number).Hex()),
		Timestamp: 1700000000 + number,
	}, nil
}

func (f *fakeChain) ForgetFrom(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, number)
}

// forkingChain runs onFork the first time block trigger is read.
type forkingChain struct {
	*fakeChain
	trigger uint64
	onFork  func()
	once    sync.Once
}

func (f *forkingChain) Block(ctx context.Context, number uint64) (chain.BlockInfo, error) {
	if number == f.trigger {
		f.once.Do(f.onFork)
	}
	return f.fakeChain.Block(ctx, number)
}

func stakedLog(t *testing.T, block uint64, txIndex, logIndex uint, amount, total *uint256.Int) types.Log {
	t.Helper()
	stakingABI, err := staking.StakingABI()
	require.NoError(t, err)
	event := stakingABI.Events["Staked"]
	data, err := event.Inputs.NonIndexed().Pack(amount.ToBig(), new(big.Int).SetUint64(1700000000+block), total.ToBig())
	require.NoError(t, err)
	return types.Log{
		Address:     stakingContract,
		Topics:      []common.Hash{event.ID, common.BytesToHash(staker.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(txIndex))),
		TxIndex:     txIndex,
		Index:       logIndex,
	}
}

type harness struct {
	chain  *fakeChain
	engine *aggregate.Engine
	store  storage.Store
	logger *zap.Logger
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, head uint64) *harness {
	t.Helper()
	store, err := leveldb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return &harness{
		chain:  newFakeChain(head),
		engine: aggregate.NewEngine(aggregate.Config{}, store, logger, nil),
		store:  store,
		logger: logger,
		logs:   logs,
	}
}

func (h *harness) runner(t *testing.T, cfg RunConfig) *Runner {
	t.Helper()
	return h.runnerOn(t, h.chain, cfg)
}

func (h *harness) runnerOn(t *testing.T, source LogSource, cfg RunConfig) *Runner {
	t.Helper()
	decoder, err := staking.NewDecoder(staking.DecoderConfig{StakingContract: stakingContract.Hex()})
	require.NoError(t, err)
	cfg.Addresses = decoder.Addresses()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return NewRunner(cfg, source, decoder, h.engine, h.logger, nil)
}

func (h *harness) protocol(t *testing.T) *model.Protocol {
	t.Helper()
	var protocol *model.Protocol
	require.NoError(t, h.store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		protocol, err = tx.Protocol(context.Background(), model.ProtocolID)
		return err
	}))
	return protocol
}

func (h *harness) user(t *testing.T) *model.User {
	t.Helper()
	var user *model.User
	require.NoError(t, h.store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		user, err = tx.User(context.Background(), strings.ToLower(staker.Hex()))
		return err
	}))
	return user
}

func (h *harness) cursor(t *testing.T) model.Cursor {
	t.Helper()
	cursor, ok, err := h.engine.Cursor(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return cursor
}

func TestRunnerAppliesLogsInChainOrder(t *testing.T) {
	h := newHarness(t, 50)
	// Delivered out of order; the runner must sort before applying.
	h.chain.addLog(stakedLog(t, 12, 3, 7, uint256.NewInt(20), uint256.NewInt(30)))
	h.chain.addLog(stakedLog(t, 12, 3, 6, uint256.NewInt(10), uint256.NewInt(10)))
	h.chain.addLog(stakedLog(t, 11, 0, 0, uint256.NewInt(5), uint256.NewInt(5)))

	require.NoError(t, h.runner(t, RunConfig{FromBlock: 10, ToBlock: 20, BatchSize: 4}).Run(context.Background()))

	assert.Equal(t, "35", h.user(t).StakedAmount.Dec())
	assert.Equal(t, uint64(3), h.user(t).TransactionCount)
	assert.Equal(t, "30", h.protocol(t).TotalStaked.Dec())

	cursor := h.cursor(t)
	assert.Equal(t, model.SealedPosition(20), cursor.Position)
	assert.Equal(t, strings.ToLower(h.chain.hash(20).Hex()), cursor.BlockHash)
}

func TestRunnerRetriesTransientRPCErrors(t *testing.T) {
	h := newHarness(t, 50)
	h.chain.addLog(stakedLog(t, 11, 0, 0, uint256.NewInt(5), uint256.NewInt(5)))
	h.chain.failFilter = 2

	require.NoError(t, h.runner(t, RunConfig{FromBlock: 10, ToBlock: 20, MaxRetries: 3}).Run(context.Background()))

	assert.Equal(t, 3, h.chain.filterCalls)
	assert.Equal(t, "5", h.user(t).StakedAmount.Dec())
}

func TestRunnerGivesUpAfterMaxRetries(t *testing.T) {
	h := newHarness(t, 50)
	h.chain.failFilter = 10

	err := h.runner(t, RunConfig{FromBlock: 10, ToBlock: 20, MaxRetries: 1}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc unavailable")
	_, ok, err := h.engine.Cursor(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunnerSkipsUndecodableLogs(t *testing.T) {
	h := newHarness(t, 50)
	broken := stakedLog(t, 11, 0, 0, uint256.NewInt(5), uint256.NewInt(5))
	broken.Data = []byte{0x01, 0x02}
	h.chain.addLog(broken)
	h.chain.addLog(stakedLog(t, 12, 0, 0, uint256.NewInt(7), uint256.NewInt(7)))

	require.NoError(t, h.runner(t, RunConfig{FromBlock: 10, ToBlock: 20}).Run(context.Background()))

	assert.Equal(t, "7", h.user(t).StakedAmount.Dec())
	failures := h.logs.FilterMessage("decode log failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, uint64(11), failures[0].ContextMap()["block_number"])
	assert.Equal(t, "11:0:0", failures[0].ContextMap()["position"])
}

func TestRunnerWaitsForConfirmations(t *testing.T) {
	h := newHarness(t, 30)
	h.chain.addLog(stakedLog(t, 15, 0, 0, uint256.NewInt(5), uint256.NewInt(5)))
	h.chain.addLog(stakedLog(t, 25, 0, 0, uint256.NewInt(7), uint256.NewInt(12)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := h.runner(t, RunConfig{FromBlock: 10, Confirmations: 10}).Run(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)

	assert.Equal(t, "5", h.user(t).StakedAmount.Dec())
	assert.Equal(t, model.SealedPosition(20), h.cursor(t).Position)
}

func TestRunnerFollowsNewBlocks(t *testing.T) {
	h := newHarness(t, 20)
	h.chain.addLog(stakedLog(t, 15, 0, 0, uint256.NewInt(5), uint256.NewInt(5)))

	runner := h.runner(t, RunConfig{FromBlock: 10})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		cursor, ok, err := h.engine.Cursor(context.Background())
		return err == nil && ok && cursor.Position.Block == 20
	}, time.Second, 5*time.Millisecond)

	h.chain.addLog(stakedLog(t, 22, 0, 0, uint256.NewInt(7), uint256.NewInt(12)))
	h.chain.mu.Lock()
	h.chain.head = 25
	h.chain.mu.Unlock()

	require.Eventually(t, func() bool {
		cursor, ok, err := h.engine.Cursor(context.Background())
		return err == nil && ok && cursor.Position.Block == 25
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, "12", h.user(t).StakedAmount.Dec())
}

func TestRunnerRollsBackReorganizedBlocks(t *testing.T) {
	h := newHarness(t, 20)
	h.chain.addLog(stakedLog(t, 10, 0, 0, uint256.NewInt(5), uint256.NewInt(5)))
	h.chain.addLog(stakedLog(t, 15, 0, 0, uint256.NewInt(7), uint256.NewInt(12)))

	require.NoError(t, h.runner(t, RunConfig{FromBlock: 10, ToBlock: 20}).Run(context.Background()))
	require.Equal(t, "12", h.user(t).StakedAmount.Dec())

	h.chain.fork(14)
	h.chain.addLog(stakedLog(t, 16, 0, 0, uint256.NewInt(100), uint256.NewInt(105)))
	h.chain.mu.Lock()
	h.chain.head = 30
	h.chain.mu.Unlock()

	require.NoError(t, h.runner(t, RunConfig{FromBlock: 10, ToBlock: 25, MaxReorgDepth: 16}).Run(context.Background()))

	user := h.user(t)
	assert.Equal(t, "105", user.StakedAmount.Dec())
	assert.Equal(t, uint64(2), user.TransactionCount)
	assert.Equal(t, "105", h.protocol(t).TotalStaked.Dec())
	assert.Equal(t, strings.ToLower(h.chain.hash(25).Hex()), h.cursor(t).BlockHash)
	assert.Contains(t, h.chain.forgotten, uint64(11))

	var kinds []model.EventKind
	require.NoError(t, h.store.View(context.Background(), func(tx storage.Tx) error {
		return tx.Events(context.Background(), func(record *model.EventRecord) error {
			assert.NotEqual(t, uint64(15), record.Meta.BlockNumber)
			kinds = append(kinds, record.Kind)
			return nil
		})
	}))
	assert.Len(t, kinds, 2)
	assert.Equal(t, 1, h.logs.FilterMessage("chain reorganization detected").Len())
}

func TestRunnerDetectsReorgBeforeSealing(t *testing.T) {
	h := newHarness(t, 30)
	h.chain.addLog(stakedLog(t, 10, 0, 0, uint256.NewInt(5), uint256.NewInt(5)))
	source := &forkingChain{
		fakeChain: h.chain,
		trigger:   20,
		onFork: func() {
			h.chain.fork(10)
			h.chain.addLog(stakedLog(t, 12, 0, 0, uint256.NewInt(7), uint256.NewInt(7)))
		},
	}

	require.NoError(t, h.runnerOn(t, source, RunConfig{FromBlock: 10, ToBlock: 20}).Run(context.Background()))

	user := h.user(t)
	assert.Equal(t, "7", user.StakedAmount.Dec())
	assert.Equal(t, uint64(1), user.TransactionCount)
	assert.Equal(t, "7", h.protocol(t).TotalStaked.Dec())
	assert.Equal(t, strings.ToLower(h.chain.hash(20).Hex()), h.cursor(t).BlockHash)
	assert.Equal(t, 1, h.logs.FilterMessage("chain moved while fetching, restarting poll").Len())
	assert.Equal(t, 1, h.logs.FilterMessage("chain reorganization detected").Len())

	var blocks []uint64
	require.NoError(t, h.store.View(context.Background(), func(tx storage.Tx) error {
		return tx.Events(context.Background(), func(record *model.EventRecord) error {
			blocks = append(blocks, record.Meta.BlockNumber)
			return nil
		})
	}))
	assert.Equal(t, []uint64{12}, blocks)
}

func TestRunnerChecksEveryRecordedBlock(t *testing.T) {
	h := newHarness(t, 30)
	h.chain.addLog(stakedLog(t, 10, 0, 0, uint256.NewInt(5), uint256.NewInt(5)))

	require.NoError(t, h.runner(t, RunConfig{FromBlock: 10, ToBlock: 20}).Run(context.Background()))
	require.Equal(t, "5", h.user(t).StakedAmount.Dec())

	// The cursor block keeps its hash; only the block holding the stake changes.
	h.chain.replace(10)
	h.chain.addLog(stakedLog(t, 12, 0, 0, uint256.NewInt(7), uint256.NewInt(7)))

	require.NoError(t, h.runner(t, RunConfig{FromBlock: 10, ToBlock: 25}).Run(context.Background()))

	user := h.user(t)
	assert.Equal(t, "7", user.StakedAmount.Dec())
	assert.Equal(t, uint64(1), user.TransactionCount)
	assert.Equal(t, "7", h.protocol(t).TotalStaked.Dec())

	reorgs := h.logs.FilterMessage("chain reorganization detected").All()
	require.Len(t, reorgs, 1)
	assert.Equal(t, uint64(10), reorgs[0].ContextMap()["replaced_block"])
	assert.Equal(t, uint64(10), reorgs[0].ContextMap()["rollback_from"])
}

func TestRunnerFailsOnReorgDeeperThanWindow(t *testing.T) {
	h := newHarness(t, 40)
	h.chain.addLog(stakedLog(t, 10, 0, 0, uint256.NewInt(5), uint256.NewInt(5)))

	require.NoError(t, h.runner(t, RunConfig{FromBlock: 10, ToBlock: 40, BatchSize: 10}).Run(context.Background()))

	h.chain.fork(5)
	err := h.runner(t, RunConfig{FromBlock: 10, ToBlock: 40, MaxReorgDepth: 8}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deeper than 8 blocks")
}

func TestRunnerValidatesConfig(t *testing.T) {
	h := newHarness(t, 10)
	runner := h.runner(t, RunConfig{FromBlock: 10, ToBlock: 5})
	require.Error(t, runner.Run(context.Background()))

	runner = NewRunner(RunConfig{BatchSize: 1}, h.chain, nil, h.engine, nil, nil)
	require.Error(t, runner.Run(context.Background()))
}
