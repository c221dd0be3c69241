package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"governance-backend/derive"
	"governance-backend/storage"
	"governance-backend/token"
)

var (
	testProgram      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testTokenProgram = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	testMint         = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *Engine
	ledger  *storage.Ledger
	bank    *token.Bank
	metrics *Metrics
	admin   common.Address
}

func newAddress(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.NewPebbleStore(t.Name(), true)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	ledger := storage.NewLedger(db, log)
	t.Cleanup(func() { ledger.Close() })

	admin := newAddress(t)
	bank := token.NewBank(testTokenProgram)
	metrics := NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(EngineConfig{ProgramID: testProgram, Admin: admin}, ledger, bank, metrics, log)

	h := &harness{t: t, ctx: context.Background(), engine: engine, ledger: ledger, bank: bank, metrics: metrics, admin: admin}
	require.NoError(t, ledger.Execute(h.ctx, func(tx *storage.Txn) error {
		if err := bank.CreateMint(tx, testMint, admin); err != nil {
			return err
		}
		return bank.MintTo(tx, testMint, admin, admin, 1_000_000)
	}))
	return h
}

// initialized returns a harness whose vote manager exists with the given fee.
func initialized(t *testing.T, fee uint64) *harness {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(h.ctx, h.admin, testMint, testTokenProgram, fee))
	return h
}

func (h *harness) fund(owner common.Address, amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.ledger.Execute(h.ctx, func(tx *storage.Txn) error {
		return h.bank.MintTo(tx, testMint, h.admin, owner, amount)
	}))
}

func (h *harness) balance(owner common.Address) uint64 {
	h.t.Helper()
	var b uint64
	require.NoError(h.t, h.ledger.View(h.ctx, func(tx *storage.Txn) error {
		var err error
		b, err = h.bank.Balance(tx, owner, testMint)
		return err
	}))
	return b
}

func (h *harness) vote(voter common.Address, subjectID string, round uint64) error {
	_, err := h.engine.DoVote(h.ctx, h.engine.NewVoteRequest(voter, subjectID, round, testMint))
	return err
}

func TestInitializeOnce(t *testing.T) {
	h := initialized(t, 100)

	vm, err := h.engine.Manager(h.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), vm.VoteRound)
	require.Equal(t, uint64(100), vm.VoteFee)
	require.Equal(t, h.admin, vm.Admin)
	require.Equal(t, testMint, vm.TokenMint)
	require.Equal(t, testTokenProgram, vm.TokenProgram)

	err = h.engine.Initialize(h.ctx, h.admin, testMint, testTokenProgram, 5)
	require.ErrorIs(t, err, ErrDoubleInitAttempt)

	vm, err = h.engine.Manager(h.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), vm.VoteFee)
}

func TestInitializeRejectsOtherSigners(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Initialize(h.ctx, newAddress(t), testMint, testTokenProgram, 100)
	require.ErrorIs(t, err, ErrNotAdmin)

	_, err = h.engine.Manager(h.ctx)
	require.ErrorIs(t, err, ErrAccountNotInitialized)
}

func TestInitializeRejectsOtherSignersAfterInit(t *testing.T) {
	h := initialized(t, 100)
	err := h.engine.Initialize(h.ctx, newAddress(t), testMint, testTokenProgram, 100)
	require.ErrorIs(t, err, ErrNotAdmin)
}

func TestIncrementRound(t *testing.T) {
	h := initialized(t, 100)

	for want := uint64(2); want <= 5; want++ {
		round, err := h.engine.IncrementRound(h.ctx, h.admin)
		require.NoError(t, err)
		require.Equal(t, want, round)
	}

	_, err := h.engine.IncrementRound(h.ctx, newAddress(t))
	require.ErrorIs(t, err, ErrConstraintSeeds)

	round, err := h.engine.Round(h.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), round)
	require.Equal(t, float64(5), testutil.ToFloat64(h.metrics.round))
}

func TestIncrementRoundBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.IncrementRound(h.ctx, h.admin)
	require.ErrorIs(t, err, ErrAccountNotInitialized)
}

func TestRoundsPastTwoHundredFiftyFive(t *testing.T) {
	h := initialized(t, 0)
	for i := 0; i < 300; i++ {
		_, err := h.engine.IncrementRound(h.ctx, h.admin)
		require.NoError(t, err)
	}
	p, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(301), p.Round)

	// Round 301 must not alias round 45 (301 mod 256).
	_, err = h.engine.Project(h.ctx, "p1", 45)
	require.ErrorIs(t, err, ErrAccountNotInitialized)
}

func TestChangeFee(t *testing.T) {
	h := initialized(t, 100)

	require.NoError(t, h.engine.ChangeFee(h.ctx, h.admin, 250))
	vm, err := h.engine.Manager(h.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(250), vm.VoteFee)
	require.Equal(t, uint64(1), vm.VoteRound)

	require.NoError(t, h.engine.ChangeFee(h.ctx, h.admin, 0))
	vm, err = h.engine.Manager(h.ctx)
	require.NoError(t, err)
	require.Zero(t, vm.VoteFee)

	err = h.engine.ChangeFee(h.ctx, newAddress(t), 1)
	require.ErrorIs(t, err, ErrConstraintSeeds)
}

func TestAddProjectOncePerRound(t *testing.T) {
	h := initialized(t, 100)

	p, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.Round)
	require.Zero(t, p.VoteCount)
	require.Equal(t, h.admin, p.Admin)

	_, err = h.engine.AddProject(h.ctx, h.admin, "p1")
	require.ErrorIs(t, err, ErrAlreadyInUse)

	_, err = h.engine.IncrementRound(h.ctx, h.admin)
	require.NoError(t, err)

	p, err = h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), p.Round)

	first, err := h.engine.Project(h.ctx, "p1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Round)
}

func TestAddProjectValidation(t *testing.T) {
	h := initialized(t, 100)

	_, err := h.engine.AddProject(h.ctx, newAddress(t), "p1")
	require.ErrorIs(t, err, ErrNotAdmin)

	_, err = h.engine.AddProject(h.ctx, h.admin, strings.Repeat("x", 51))
	require.ErrorIs(t, err, ErrProjectIDTooLong)

	_, err = h.engine.AddProject(h.ctx, h.admin, strings.Repeat("x", 50))
	require.NoError(t, err)
}

func TestAddProjectBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.ErrorIs(t, err, ErrAccountNotInitialized)
}

func TestVoteScenario(t *testing.T) {
	h := initialized(t, 100)
	round, err := h.engine.Round(h.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), round)

	_, err = h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)

	voter := newAddress(t)
	h.fund(voter, 10000)
	adminBefore := h.balance(h.admin)

	ballot, err := h.engine.DoVote(h.ctx, h.engine.NewVoteRequest(voter, "p1", 1, testMint))
	require.NoError(t, err)
	require.Equal(t, uint64(1), ballot.LastVotedRound)
	require.Equal(t, uint64(1), ballot.VoteCount)

	require.Equal(t, uint64(9900), h.balance(voter))
	require.Equal(t, adminBefore+100, h.balance(h.admin))

	p, err := h.engine.Project(h.ctx, "p1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.VoteCount)

	stored, err := h.engine.Ballot(h.ctx, 1, voter, "p1")
	require.NoError(t, err)
	require.Equal(t, voter, stored.Voter)
	require.Equal(t, "p1", stored.SubjectID)
	require.Equal(t, uint64(1), stored.Round)

	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.votes))
}

func TestRepeatedVoteFails(t *testing.T) {
	h := initialized(t, 100)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	voter := newAddress(t)
	h.fund(voter, 10000)

	require.NoError(t, h.vote(voter, "p1", 1))
	require.ErrorIs(t, h.vote(voter, "p1", 1), ErrAlreadyInUse)

	// The rejected replay must not have charged the fee or counted a vote.
	require.Equal(t, uint64(9900), h.balance(voter))
	p, err := h.engine.Project(h.ctx, "p1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.VoteCount)
}

func TestTwoVotersSameProject(t *testing.T) {
	h := initialized(t, 100)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)

	a, b := newAddress(t), newAddress(t)
	h.fund(a, 500)
	h.fund(b, 500)
	require.NoError(t, h.vote(a, "p1", 1))
	require.NoError(t, h.vote(b, "p1", 1))

	p, err := h.engine.Project(h.ctx, "p1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), p.VoteCount)
}

func TestSameVoterDifferentProjects(t *testing.T) {
	h := initialized(t, 100)
	for _, id := range []string{"p1", "p2"} {
		_, err := h.engine.AddProject(h.ctx, h.admin, id)
		require.NoError(t, err)
	}
	voter := newAddress(t)
	h.fund(voter, 1000)

	require.NoError(t, h.vote(voter, "p1", 1))
	require.NoError(t, h.vote(voter, "p2", 1))
	require.Equal(t, uint64(800), h.balance(voter))
}

func TestVoteOnFrozenProject(t *testing.T) {
	h := initialized(t, 100)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	_, err = h.engine.IncrementRound(h.ctx, h.admin)
	require.NoError(t, err)

	voter := newAddress(t)
	h.fund(voter, 1000)
	require.ErrorIs(t, h.vote(voter, "p1", 1), ErrWrongRound)
	require.Equal(t, uint64(1000), h.balance(voter))
}

func TestVoteWithForgedBallotAddress(t *testing.T) {
	h := initialized(t, 100)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	_, err = h.engine.IncrementRound(h.ctx, h.admin)
	require.NoError(t, err)

	voter := newAddress(t)
	h.fund(voter, 1000)

	// Stale project, ballot keyed by the current round instead of the project's.
	req := h.engine.NewVoteRequest(voter, "p1", 1, testMint)
	req.Ballot = derive.BallotKey(testProgram, 2, voter, "p1")
	_, err = h.engine.DoVote(h.ctx, req)
	require.ErrorIs(t, err, ErrConstraintSeeds)

	// Ballot of another voter.
	req = h.engine.NewVoteRequest(voter, "p1", 1, testMint)
	req.Ballot = derive.BallotKey(testProgram, 1, newAddress(t), "p1")
	_, err = h.engine.DoVote(h.ctx, req)
	require.ErrorIs(t, err, ErrConstraintSeeds)
}

func TestVoteOnUnknownProject(t *testing.T) {
	h := initialized(t, 100)
	voter := newAddress(t)
	h.fund(voter, 1000)
	require.ErrorIs(t, h.vote(voter, "missing", 1), ErrAccountNotInitialized)
}

func TestVoteInsufficientTokens(t *testing.T) {
	h := initialized(t, 100)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)

	voter := newAddress(t)
	h.fund(voter, 99)
	adminBefore := h.balance(h.admin)

	require.ErrorIs(t, h.vote(voter, "p1", 1), ErrInsufficientTokens)
	require.Equal(t, uint64(99), h.balance(voter))
	require.Equal(t, adminBefore, h.balance(h.admin))

	p, err := h.engine.Project(h.ctx, "p1", 1)
	require.NoError(t, err)
	require.Zero(t, p.VoteCount)
	_, err = h.engine.Ballot(h.ctx, 1, voter, "p1")
	require.ErrorIs(t, err, ErrAccountNotInitialized)

	// A voter without any token account is treated as holding nothing.
	require.ErrorIs(t, h.vote(newAddress(t), "p1", 1), ErrInsufficientTokens)
}

func TestVoteWithZeroFee(t *testing.T) {
	h := initialized(t, 100)
	require.NoError(t, h.engine.ChangeFee(h.ctx, h.admin, 0))
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)

	voter := newAddress(t)
	h.fund(voter, 1)
	require.NoError(t, h.vote(voter, "p1", 1))
	require.Equal(t, uint64(1), h.balance(voter))
}

func TestVoteWrongMint(t *testing.T) {
	h := initialized(t, 100)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	voter := newAddress(t)
	h.fund(voter, 1000)

	other := common.HexToAddress("0x000000000000000000000000000000000000beef")
	_, err = h.engine.DoVote(h.ctx, h.engine.NewVoteRequest(voter, "p1", 1, other))
	require.ErrorIs(t, err, ErrWrongMint)
}

func TestConcurrentIdenticalVotesCommitOnce(t *testing.T) {
	h := initialized(t, 10)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	voter := newAddress(t)
	h.fund(voter, 1000)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.vote(voter, "p1", 1)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyInUse)
	}
	require.Equal(t, 1, ok)
	require.Equal(t, uint64(990), h.balance(voter))

	p, err := h.engine.Project(h.ctx, "p1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.VoteCount)
}

func TestConcurrentDistinctVoters(t *testing.T) {
	h := initialized(t, 10)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)

	const voters = 10
	addrs := make([]common.Address, voters)
	for i := range addrs {
		addrs[i] = newAddress(t)
		h.fund(addrs[i], 10)
	}

	var wg sync.WaitGroup
	errs := make([]error, voters)
	for i := range addrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.vote(addrs[i], "p1", 1)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	p, err := h.engine.Project(h.ctx, "p1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(voters), p.VoteCount)
}

func TestEnsureCanVote(t *testing.T) {
	h := initialized(t, 100)
	voter := newAddress(t)

	sent, err := h.engine.EnsureCanVote(h.ctx, h.admin, voter, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), sent)
	require.Equal(t, uint64(100), h.balance(voter))

	sent, err = h.engine.EnsureCanVote(h.ctx, h.admin, voter, 100)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Equal(t, uint64(100), h.balance(voter))

	_, err = h.engine.EnsureCanVote(h.ctx, voter, voter, 100)
	require.ErrorIs(t, err, ErrNotAdmin)
}

func TestTally(t *testing.T) {
	h := initialized(t, 1)
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.engine.AddProject(h.ctx, h.admin, id)
		require.NoError(t, err)
	}
	votes := map[string]int{"a": 1, "b": 3, "c": 1}
	for id, n := range votes {
		for i := 0; i < n; i++ {
			voter := newAddress(t)
			h.fund(voter, 1)
			require.NoError(t, h.vote(voter, id, 1))
		}
	}
	_, err := h.engine.IncrementRound(h.ctx, h.admin)
	require.NoError(t, err)
	_, err = h.engine.AddProject(h.ctx, h.admin, "d")
	require.NoError(t, err)

	tally, err := h.engine.Tally(h.ctx, 1)
	require.NoError(t, err)
	require.Len(t, tally, 3)
	require.Equal(t, "b", tally[0].SubjectID)
	require.Equal(t, uint64(3), tally[0].VoteCount)
	require.Equal(t, "a", tally[1].SubjectID)
	require.Equal(t, "c", tally[2].SubjectID)

	tally, err = h.engine.Tally(h.ctx, 2)
	require.NoError(t, err)
	require.Len(t, tally, 1)
}

func TestSnapshot(t *testing.T) {
	h := initialized(t, 100)
	_, err := h.engine.AddProject(h.ctx, h.admin, "p1")
	require.NoError(t, err)
	voter := newAddress(t)
	h.fund(voter, 100)
	require.NoError(t, h.vote(voter, "p1", 1))

	snap, err := h.engine.Snapshot(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Manager)
	require.Len(t, snap.Projects, 1)
	require.Len(t, snap.Ballots, 1)
	require.Len(t, snap.TokenAccounts, 2)
	require.Len(t, snap.Mints, 1)
	require.Equal(t, h.admin, snap.Mints[0].Authority)
	require.Equal(t, uint64(1_000_000+100), snap.Mints[0].Supply)
}

func TestMetricsCountRejections(t *testing.T) {
	h := initialized(t, 100)
	_, err := h.engine.IncrementRound(h.ctx, newAddress(t))
	require.Error(t, err)

	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.instructions.WithLabelValues("initialize", "Ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.instructions.WithLabelValues("increment_round", "ConstraintSeeds")))
}
