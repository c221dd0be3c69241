package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"governance-backend/derive"
	"governance-backend/models"
	"governance-backend/storage"
)

// TokenProgram is the token collaborator fees are paid through.
type TokenProgram interface {
	ID() common.Address
	EnsureAccount(tx *storage.Txn, owner, mint common.Address) error
	Balance(tx *storage.Txn, owner, mint common.Address) (uint64, error)
	Transfer(tx *storage.Txn, from, to, mint common.Address, amount uint64) error
}

// EngineConfig is fixed for the lifetime of an Engine.
type EngineConfig struct {
	// ProgramID owns every derived address.
	ProgramID common.Address
	// Admin is the only identity allowed to initialize and administer the program.
	Admin common.Address
}

// Engine executes the governance program's instructions against a ledger.
type Engine struct {
	cfg     EngineConfig
	ledger  *storage.Ledger
	tokens  TokenProgram
	metrics *Metrics
	log     logrus.FieldLogger
}

// NewEngine builds an engine. metrics and log may be nil.
func NewEngine(cfg EngineConfig, ledger *storage.Ledger, tokens TokenProgram, metrics *Metrics, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		cfg:     cfg,
		ledger:  ledger,
		tokens:  tokens,
		metrics: metrics,
		log:     log.WithField("program", cfg.ProgramID.Hex()),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// ManagerKey is the address of the vote manager singleton.
func (e *Engine) ManagerKey() common.Hash {
	return derive.VoteManagerKey(e.cfg.ProgramID, e.cfg.Admin)
}

func (e *Engine) execute(ctx context.Context, op Op, fields logrus.Fields, fn func(tx *storage.Txn) error) error {
	start := time.Now()
	var txID string
	err := e.ledger.Execute(ctx, func(tx *storage.Txn) error {
		txID = tx.ID.String()
		return fn(tx)
	})
	e.metrics.Observe(op, err, time.Since(start))

	entry := e.log.WithFields(fields).WithFields(logrus.Fields{"op": op, "tx": txID})
	if err != nil {
		entry.WithField("code", Code(err)).Info("instruction rejected")
		return err
	}
	entry.Info("instruction committed")
	return nil
}

func (e *Engine) loadManager(tx *storage.Txn, key common.Hash) (*models.VoteManager, error) {
	data, err := tx.Get(storage.KindVoteManager, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("vote manager %s: %w", key.Hex(), ErrAccountNotInitialized)
	}
	if err != nil {
		return nil, err
	}
	var vm models.VoteManager
	if err := models.Decode(data, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (e *Engine) loadProject(tx *storage.Txn, key common.Hash) (*models.Project, error) {
	data, err := tx.Get(storage.KindProject, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("project %s: %w", key.Hex(), ErrAccountNotInitialized)
	}
	if err != nil {
		return nil, err
	}
	var p models.Project
	if err := models.Decode(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func update(tx *storage.Txn, kind storage.Kind, key common.Hash, record interface{}) error {
	data, err := models.Encode(record)
	if err != nil {
		return err
	}
	return tx.Update(kind, key, data)
}

func create(tx *storage.Txn, kind storage.Kind, key common.Hash, record interface{}) error {
	data, err := models.Encode(record)
	if err != nil {
		return err
	}
	return tx.Create(kind, key, data)
}

// Initialize creates the vote manager for signer. Only the configured admin may
// call it, and only once.
func (e *Engine) Initialize(ctx context.Context, signer, mint, tokenProgram common.Address, fee uint64) error {
	fields := logrus.Fields{"signer": signer.Hex(), "fee": fee}
	err := e.execute(ctx, OpInitialize, fields, func(tx *storage.Txn) error {
		if signer != e.cfg.Admin {
			return ErrNotAdmin
		}
		vm := &models.VoteManager{
			Admin:        signer,
			TokenMint:    mint,
			TokenProgram: tokenProgram,
			VoteFee:      fee,
			VoteRound:    1,
		}
		err := create(tx, storage.KindVoteManager, derive.VoteManagerKey(e.cfg.ProgramID, signer), vm)
		if errors.Is(err, storage.ErrAlreadyInUse) {
			return ErrDoubleInitAttempt
		}
		return err
	})
	if err != nil {
		return err
	}
	e.metrics.SetRound(1)
	return nil
}

// adminManager loads the manager and checks owner against its stored admin.
func (e *Engine) adminManager(tx *storage.Txn, owner common.Address) (*models.VoteManager, error) {
	vm, err := e.loadManager(tx, e.ManagerKey())
	if err != nil {
		return nil, err
	}
	if owner != vm.Admin {
		return nil, ErrConstraintSeeds
	}
	return vm, nil
}

// IncrementRound advances the round by one and returns the new round.
func (e *Engine) IncrementRound(ctx context.Context, owner common.Address) (uint64, error) {
	var round uint64
	err := e.execute(ctx, OpIncrementRound, logrus.Fields{"owner": owner.Hex()}, func(tx *storage.Txn) error {
		vm, err := e.adminManager(tx, owner)
		if err != nil {
			return err
		}
		vm.VoteRound++
		if err := update(tx, storage.KindVoteManager, e.ManagerKey(), vm); err != nil {
			return err
		}
		round = vm.VoteRound
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.metrics.SetRound(round)
	return round, nil
}

// ChangeFee sets the fee charged per vote. Zero is allowed.
func (e *Engine) ChangeFee(ctx context.Context, owner common.Address, fee uint64) error {
	fields := logrus.Fields{"owner": owner.Hex(), "fee": fee}
	return e.execute(ctx, OpChangeFee, fields, func(tx *storage.Txn) error {
		vm, err := e.adminManager(tx, owner)
		if err != nil {
			return err
		}
		vm.VoteFee = fee
		return update(tx, storage.KindVoteManager, e.ManagerKey(), vm)
	})
}

// AddProject registers subjectID for the current round.
func (e *Engine) AddProject(ctx context.Context, owner common.Address, subjectID string) (*models.Project, error) {
	var project *models.Project
	fields := logrus.Fields{"owner": owner.Hex(), "subject": subjectID}
	err := e.execute(ctx, OpAddProject, fields, func(tx *storage.Txn) error {
		if owner != e.cfg.Admin {
			return ErrNotAdmin
		}
		if len(subjectID) > models.MaxSubjectIDLen {
			return fmt.Errorf("%w: %d bytes, max %d", ErrProjectIDTooLong, len(subjectID), models.MaxSubjectIDLen)
		}
		vm, err := e.adminManager(tx, owner)
		if err != nil {
			return err
		}
		p := &models.Project{
			SubjectID: subjectID,
			Round:     vm.VoteRound,
			Admin:     owner,
		}
		key := derive.ProjectKey(e.cfg.ProgramID, subjectID, p.Round, owner)
		if err := create(tx, storage.KindProject, key, p); err != nil {
			return err
		}
		project = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// VoteRequest carries the accounts a voter declares for DoVote.
type VoteRequest struct {
	Voter   common.Address `json:"voter"`
	Manager common.Hash    `json:"manager"`
	Project common.Hash    `json:"project"`
	Ballot  common.Hash    `json:"ballot"`
	Mint    common.Address `json:"mint"`
}

// NewVoteRequest derives the accounts for voter voting on subjectID registered
// in round.
func (e *Engine) NewVoteRequest(voter common.Address, subjectID string, round uint64, mint common.Address) VoteRequest {
	return VoteRequest{
		Voter:   voter,
		Manager: e.ManagerKey(),
		Project: derive.ProjectKey(e.cfg.ProgramID, subjectID, round, e.cfg.Admin),
		Ballot:  derive.BallotKey(e.cfg.ProgramID, round, voter, subjectID),
		Mint:    mint,
	}
}

// DoVote casts one ballot and moves the vote fee from the voter to the admin.
func (e *Engine) DoVote(ctx context.Context, req VoteRequest) (*models.Ballot, error) {
	var ballot *models.Ballot
	fields := logrus.Fields{"voter": req.Voter.Hex(), "project": req.Project.Hex()}
	err := e.execute(ctx, OpDoVote, fields, func(tx *storage.Txn) error {
		if req.Manager != e.ManagerKey() {
			return ErrConstraintSeeds
		}
		vm, err := e.loadManager(tx, req.Manager)
		if err != nil {
			return err
		}
		project, err := e.loadProject(tx, req.Project)
		if err != nil {
			return err
		}
		if project.Admin != vm.Admin {
			return ErrConstraintSeeds
		}
		if req.Ballot != derive.BallotKey(e.cfg.ProgramID, project.Round, req.Voter, project.SubjectID) {
			return ErrConstraintSeeds
		}
		if project.Round != vm.VoteRound {
			return fmt.Errorf("%w: project round %d, current round %d", ErrWrongRound, project.Round, vm.VoteRound)
		}
		if req.Mint != vm.TokenMint {
			return ErrWrongMint
		}
		if vm.TokenProgram != e.tokens.ID() {
			return ErrConstraintSeeds
		}

		balance, err := e.tokens.Balance(tx, req.Voter, vm.TokenMint)
		if err != nil {
			return err
		}
		if balance < vm.VoteFee {
			return fmt.Errorf("%w: have %d, fee %d", ErrInsufficientTokens, balance, vm.VoteFee)
		}

		if err := e.tokens.Transfer(tx, req.Voter, vm.Admin, vm.TokenMint, vm.VoteFee); err != nil {
			return err
		}
		project.VoteCount++
		if err := update(tx, storage.KindProject, req.Project, project); err != nil {
			return err
		}
		b := &models.Ballot{
			Round:          project.Round,
			Voter:          req.Voter,
			SubjectID:      project.SubjectID,
			VoteCount:      1,
			LastVotedRound: project.Round,
		}
		if err := create(tx, storage.KindBallot, req.Ballot, b); err != nil {
			return err
		}
		ballot = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ballot, nil
}

// EnsureCanVote tops voter up from the admin's token account when its balance
// is below fee. It returns the amount transferred.
func (e *Engine) EnsureCanVote(ctx context.Context, authority, voter common.Address, fee uint64) (uint64, error) {
	var sent uint64
	fields := logrus.Fields{"authority": authority.Hex(), "voter": voter.Hex(), "fee": fee}
	err := e.execute(ctx, OpEnsureCanVote, fields, func(tx *storage.Txn) error {
		if authority != e.cfg.Admin {
			return ErrNotAdmin
		}
		vm, err := e.loadManager(tx, e.ManagerKey())
		if err != nil {
			return err
		}
		if err := e.tokens.EnsureAccount(tx, voter, vm.TokenMint); err != nil {
			return err
		}
		balance, err := e.tokens.Balance(tx, voter, vm.TokenMint)
		if err != nil {
			return err
		}
		if balance >= fee {
			return nil
		}
		if err := e.tokens.Transfer(tx, authority, voter, vm.TokenMint, fee); err != nil {
			return err
		}
		sent = fee
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, nil
}

// Manager returns the current vote manager state.
func (e *Engine) Manager(ctx context.Context) (*models.VoteManager, error) {
	var vm *models.VoteManager
	err := e.ledger.View(ctx, func(tx *storage.Txn) error {
		var err error
		vm, err = e.loadManager(tx, e.ManagerKey())
		return err
	})
	return vm, err
}

// Round returns the current vote round.
func (e *Engine) Round(ctx context.Context) (uint64, error) {
	vm, err := e.Manager(ctx)
	if err != nil {
		return 0, err
	}
	return vm.VoteRound, nil
}

// Project returns subjectID as registered in round.
func (e *Engine) Project(ctx context.Context, subjectID string, round uint64) (*models.Project, error) {
	var p *models.Project
	err := e.ledger.View(ctx, func(tx *storage.Txn) error {
		var err error
		p, err = e.loadProject(tx, derive.ProjectKey(e.cfg.ProgramID, subjectID, round, e.cfg.Admin))
		return err
	})
	return p, err
}

// Ballot returns voter's ballot for subjectID in round.
func (e *Engine) Ballot(ctx context.Context, round uint64, voter common.Address, subjectID string) (*models.Ballot, error) {
	var b models.Ballot
	key := derive.BallotKey(e.cfg.ProgramID, round, voter, subjectID)
	err := e.ledger.View(ctx, func(tx *storage.Txn) error {
		data, err := tx.Get(storage.KindBallot, key)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("ballot %s: %w", key.Hex(), ErrAccountNotInitialized)
		}
		if err != nil {
			return err
		}
		return models.Decode(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Tally lists the projects of round ordered by vote count, highest first.
func (e *Engine) Tally(ctx context.Context, round uint64) ([]models.Project, error) {
	var projects []models.Project
	err := e.ledger.View(ctx, func(tx *storage.Txn) error {
		return tx.Scan(storage.KindProject, func(_ common.Hash, value []byte) error {
			var p models.Project
			if err := models.Decode(value, &p); err != nil {
				return err
			}
			if p.Round == round && p.Admin == e.cfg.Admin {
				projects = append(projects, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].VoteCount != projects[j].VoteCount {
			return projects[i].VoteCount > projects[j].VoteCount
		}
		return projects[i].SubjectID < projects[j].SubjectID
	})
	return projects, nil
}
