// service/queue.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/algorand/go-deadlock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"governance-backend/models"
)

// Op names a program instruction.
type Op string

const (
	OpInitialize     Op = "initialize"
	OpIncrementRound Op = "increment_round"
	OpChangeFee      Op = "change_fee"
	OpAddProject     Op = "add_project"
	OpDoVote         Op = "do_vote"
	OpEnsureCanVote  Op = "ensure_can_vote"
)

var (
	ErrQueueFull    = errors.New("instruction queue is full")
	ErrQueueStopped = errors.New("instruction queue is stopped")
	ErrUnknownOp    = errors.New("unknown instruction")
)

// Instruction is a submitted program call. Only the fields Op uses are read.
type Instruction struct {
	Op           Op
	Signer       common.Address
	Mint         common.Address
	TokenProgram common.Address
	Fee          uint64
	SubjectID    string
	Voter        common.Address
	Vote         VoteRequest
}

// Result is the outcome of one instruction.
type Result struct {
	Op          Op
	Err         error
	Round       uint64
	Project     *models.Project
	Ballot      *models.Ballot
	Transferred uint64
}

type queuedInstruction struct {
	ctx      context.Context
	ins      Instruction
	resultCh chan<- *Result
}

// Queue executes submitted instructions one by one in submission order.
type Queue struct {
	engine       *Engine
	instructions chan *queuedInstruction
	shutdownCh   chan struct{}
	processingWg sync.WaitGroup
	stopOnce     sync.Once
	log          logrus.FieldLogger

	// mu orders enqueues against the final drain in Stop.
	mu      deadlock.Mutex
	stopped bool
}

// NewQueue creates a queue holding at most size pending instructions.
func NewQueue(engine *Engine, size int, log logrus.FieldLogger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{
		engine:       engine,
		instructions: make(chan *queuedInstruction, size),
		shutdownCh:   make(chan struct{}),
		log:          log,
	}
}

// Start launches the worker.
func (q *Queue) Start() {
	q.processingWg.Add(1)
	go q.worker()
}

// Stop waits for the instruction in flight and fails everything still queued.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		close(q.shutdownCh)
		q.mu.Unlock()

		q.processingWg.Wait()
		for {
			select {
			case req := <-q.instructions:
				req.resultCh <- &Result{Op: req.ins.Op, Err: ErrQueueStopped}
				close(req.resultCh)
			default:
				return
			}
		}
	})
}

// Submit enqueues ins. A full queue answers immediately with ErrQueueFull.
func (q *Queue) Submit(ctx context.Context, ins Instruction) <-chan *Result {
	resultCh := make(chan *Result, 1)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		resultCh <- &Result{Op: ins.Op, Err: ErrQueueStopped}
		close(resultCh)
		return resultCh
	}

	select {
	case q.instructions <- &queuedInstruction{ctx: ctx, ins: ins, resultCh: resultCh}:
	default:
		q.log.WithField("op", ins.Op).Warn("instruction queue is full, request dropped")
		resultCh <- &Result{Op: ins.Op, Err: ErrQueueFull}
		close(resultCh)
	}
	return resultCh
}

// Do submits ins and waits for its result or for ctx to end.
func (q *Queue) Do(ctx context.Context, ins Instruction) (*Result, error) {
	select {
	case res := <-q.Submit(ctx, ins):
		return res, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.processingWg.Done()

	for {
		select {
		case <-q.shutdownCh:
			return
		case req := <-q.instructions:
			req.resultCh <- q.engine.Apply(req.ctx, req.ins)
			close(req.resultCh)
		}
	}
}

// Apply dispatches ins to the matching engine operation.
func (e *Engine) Apply(ctx context.Context, ins Instruction) *Result {
	res := &Result{Op: ins.Op}
	switch ins.Op {
	case OpInitialize:
		res.Err = e.Initialize(ctx, ins.Signer, ins.Mint, ins.TokenProgram, ins.Fee)
		if res.Err == nil {
			res.Round = 1
		}
	case OpIncrementRound:
		res.Round, res.Err = e.IncrementRound(ctx, ins.Signer)
	case OpChangeFee:
		res.Err = e.ChangeFee(ctx, ins.Signer, ins.Fee)
	case OpAddProject:
		res.Project, res.Err = e.AddProject(ctx, ins.Signer, ins.SubjectID)
		if res.Project != nil {
			res.Round = res.Project.Round
		}
	case OpDoVote:
		res.Ballot, res.Err = e.DoVote(ctx, ins.Vote)
		if res.Ballot != nil {
			res.Round = res.Ballot.Round
		}
	case OpEnsureCanVote:
		res.Transferred, res.Err = e.EnsureCanVote(ctx, ins.Signer, ins.Voter, ins.Fee)
	default:
		res.Err = fmt.Errorf("%w: %q", ErrUnknownOp, ins.Op)
	}
	return res
}
