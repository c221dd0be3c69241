// File: api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"governance-backend/models"
	"governance-backend/service"
)

type Server struct {
	engine   *service.Engine
	queue    *service.Queue
	gatherer prometheus.Gatherer
	router   *mux.Router
	log      logrus.FieldLogger
}

type InitializeRequest struct {
	SignerKey    string         `json:"signer_key"`
	Mint         common.Address `json:"mint"`
	TokenProgram common.Address `json:"token_program"`
	Fee          uint64         `json:"fee"`
}

type SignedRequest struct {
	SignerKey string `json:"signer_key"`
}

type ChangeFeeRequest struct {
	SignerKey string `json:"signer_key"`
	Fee       uint64 `json:"fee"`
}

type AddProjectRequest struct {
	SignerKey string `json:"signer_key"`
	SubjectID string `json:"subject_id"`
}

// CastVoteRequest names the project by id and round; a zero round means the
// current one. The account fields, when set, replace the derived ones.
type CastVoteRequest struct {
	VoterKey  string         `json:"voter_key"`
	SubjectID string         `json:"subject_id"`
	Round     uint64         `json:"round"`
	Mint      common.Address `json:"mint"`
	Manager   *common.Hash   `json:"manager,omitempty"`
	Project   *common.Hash   `json:"project,omitempty"`
	Ballot    *common.Hash   `json:"ballot,omitempty"`
}

type EnsureRequest struct {
	SignerKey string         `json:"signer_key"`
	Voter     common.Address `json:"voter"`
	Fee       uint64         `json:"fee"`
}

type ResultResponse struct {
	Op          service.Op      `json:"op"`
	Round       uint64          `json:"round,omitempty"`
	Project     *models.Project `json:"project,omitempty"`
	Ballot      *models.Ballot  `json:"ballot,omitempty"`
	Transferred uint64          `json:"transferred,omitempty"`
}

type RoundResponse struct {
	Round uint64 `json:"round"`
}

type TallyResponse struct {
	Round    uint64           `json:"round"`
	Projects []models.Project `json:"projects"`
}

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

var errBadRequest = errors.New("bad request")

// NewServer routes the program operations onto queue and the queries onto
// engine. A nil gatherer leaves /metrics unrouted.
func NewServer(engine *service.Engine, queue *service.Queue, gatherer prometheus.Gatherer, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		engine:   engine,
		queue:    queue,
		gatherer: gatherer,
		router:   mux.NewRouter(),
		log:      log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.logRequests)

	r.HandleFunc("/api/initialize", s.handleInitialize).Methods(http.MethodPost)
	r.HandleFunc("/api/round/increment", s.handleIncrementRound).Methods(http.MethodPost)
	r.HandleFunc("/api/fee", s.handleChangeFee).Methods(http.MethodPost)
	r.HandleFunc("/api/projects", s.handleAddProject).Methods(http.MethodPost)
	r.HandleFunc("/api/vote", s.handleCastVote).Methods(http.MethodPost)
	r.HandleFunc("/api/ensure", s.handleEnsureCanVote).Methods(http.MethodPost)

	r.HandleFunc("/api/round", s.handleGetRound).Methods(http.MethodGet)
	r.HandleFunc("/api/manager", s.handleGetManager).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{round:[0-9]+}/{id}", s.handleGetProject).Methods(http.MethodGet)
	r.HandleFunc("/api/tally/{round:[0-9]+}", s.handleGetTally).Methods(http.MethodGet)
	r.HandleFunc("/api/ballots/{round:[0-9]+}/{voter}/{id}", s.handleGetBallot).Methods(http.MethodGet)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.WithField("addr", addr).Info("governance API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !decode(w, r, &req) {
		return
	}
	signer, err := ParsePrivateKey(req.SignerKey)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, service.Instruction{
		Op:           service.OpInitialize,
		Signer:       signer,
		Mint:         req.Mint,
		TokenProgram: req.TokenProgram,
		Fee:          req.Fee,
	})
}

func (s *Server) handleIncrementRound(w http.ResponseWriter, r *http.Request) {
	var req SignedRequest
	if !decode(w, r, &req) {
		return
	}
	signer, err := ParsePrivateKey(req.SignerKey)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, service.Instruction{Op: service.OpIncrementRound, Signer: signer})
}

func (s *Server) handleChangeFee(w http.ResponseWriter, r *http.Request) {
	var req ChangeFeeRequest
	if !decode(w, r, &req) {
		return
	}
	signer, err := ParsePrivateKey(req.SignerKey)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, service.Instruction{Op: service.OpChangeFee, Signer: signer, Fee: req.Fee})
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var req AddProjectRequest
	if !decode(w, r, &req) {
		return
	}
	signer, err := ParsePrivateKey(req.SignerKey)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, service.Instruction{Op: service.OpAddProject, Signer: signer, SubjectID: req.SubjectID})
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req CastVoteRequest
	if !decode(w, r, &req) {
		return
	}
	voter, err := ParsePrivateKey(req.VoterKey)
	if err != nil {
		writeError(w, err)
		return
	}
	round := req.Round
	if round == 0 {
		if round, err = s.engine.Round(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	vote := s.engine.NewVoteRequest(voter, req.SubjectID, round, req.Mint)
	if req.Manager != nil {
		vote.Manager = *req.Manager
	}
	if req.Project != nil {
		vote.Project = *req.Project
	}
	if req.Ballot != nil {
		vote.Ballot = *req.Ballot
	}
	s.submit(w, r, service.Instruction{Op: service.OpDoVote, Vote: vote})
}

func (s *Server) handleEnsureCanVote(w http.ResponseWriter, r *http.Request) {
	var req EnsureRequest
	if !decode(w, r, &req) {
		return
	}
	signer, err := ParsePrivateKey(req.SignerKey)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, service.Instruction{Op: service.OpEnsureCanVote, Signer: signer, Voter: req.Voter, Fee: req.Fee})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, ins service.Instruction) {
	res, err := s.queue.Do(r.Context(), ins)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{
		Op:          res.Op,
		Round:       res.Round,
		Project:     res.Project,
		Ballot:      res.Ballot,
		Transferred: res.Transferred,
	})
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.engine.Round(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RoundResponse{Round: round})
}

func (s *Server) handleGetManager(w http.ResponseWriter, r *http.Request) {
	vm, err := s.engine.Manager(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	round, err := parseRound(vars["round"])
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.engine.Project(r.Context(), vars["id"], round)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetTally(w http.ResponseWriter, r *http.Request) {
	round, err := parseRound(mux.Vars(r)["round"])
	if err != nil {
		writeError(w, err)
		return
	}
	projects, err := s.engine.Tally(r.Context(), round)
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	writeJSON(w, http.StatusOK, TallyResponse{Round: round, Projects: projects})
}

func (s *Server) handleGetBallot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	round, err := parseRound(vars["round"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !common.IsHexAddress(vars["voter"]) {
		writeError(w, fmt.Errorf("%w: invalid voter address %q", errBadRequest, vars["voter"]))
		return
	}
	b, err := s.engine.Ballot(r.Context(), round, common.HexToAddress(vars["voter"]), vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ParsePrivateKey returns the address of a hex encoded secp256k1 private key.
func ParsePrivateKey(hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: invalid private key: %v", errBadRequest, err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func parseRound(s string) (uint64, error) {
	round, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid round %q", errBadRequest, s)
	}
	return round, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeJSON(w, status, ErrorResponse{Code: code, Error: err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrQueueStopped):
		return http.StatusServiceUnavailable, "Unavailable"
	case errors.Is(err, service.ErrUnknownOp):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Unavailable"
	}

	code := service.Code(err)
	switch service.Class(err) {
	case service.ClassAuthorization:
		return http.StatusForbidden, code
	case service.ClassLifecycle:
		if code == "AccountNotInitialized" {
			return http.StatusNotFound, code
		}
		return http.StatusConflict, code
	case service.ClassStorage:
		return http.StatusConflict, code
	case service.ClassRound, service.ClassFunds, service.ClassValidation:
		return http.StatusUnprocessableEntity, code
	}
	return http.StatusInternalServerError, code
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request served")
	})
}
