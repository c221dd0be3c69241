// File: models/types.go
package models

import (
	"github.com/ethereum/go-ethereum/common"
)

// MaxSubjectIDLen bounds the byte length of a project's subject id.
const MaxSubjectIDLen = 50

// VoteManager is the per-admin singleton holding the program configuration and
// the current voting round.
type VoteManager struct {
	Admin        common.Address `json:"admin"`
	TokenMint    common.Address `json:"token_mint"`
	TokenProgram common.Address `json:"token_program"`
	VoteFee      uint64         `json:"vote_fee"`
	VoteRound    uint64         `json:"vote_round"`
}

// Project is a voting subject registered by Admin for a single Round.
type Project struct {
	SubjectID string         `json:"subject_id"`
	Round     uint64         `json:"round"`
	Admin     common.Address `json:"admin"`
	VoteCount uint64         `json:"vote_count"`
}

// Ballot is the receipt of one vote by Voter for SubjectID in Round. Its
// existence alone prevents a second vote for the same triple.
type Ballot struct {
	Round          uint64         `json:"round"`
	Voter          common.Address `json:"voter"`
	SubjectID      string         `json:"subject_id"`
	VoteCount      uint64         `json:"vote_count"`
	LastVotedRound uint64         `json:"last_voted_round"`
}
