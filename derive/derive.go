// Package derive turns a namespace tag and an ordered list of typed seeds into a
// deterministic 32-byte storage key.
//
// Every seed is written as uvarint(len) followed by its bytes, so two seed lists
// produce the same key only if they are byte-for-byte identical. Text seeds are raw
// bytes; identities are their 20-byte canonical form; rounds are 8-byte big-endian.
package derive

import (
	"encoding/binary"
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Namespace tags for every record kind the program owns.
const (
	NamespaceVoteManager  = "vote_manager"
	NamespaceProject      = "project"
	NamespaceVoter        = "voter"
	NamespaceTokenAccount = "token_account"
	NamespaceMint         = "mint"
)

// Seed is one encoded field of a derived key.
type Seed []byte

// Text encodes a variable-length text field as its raw bytes.
func Text(s string) Seed {
	return Seed(s)
}

// Identity encodes an account identity in its fixed-width form.
func Identity(a common.Address) Seed {
	return Seed(a.Bytes())
}

// Round encodes a round number as 8 big-endian bytes.
func Round(round uint64) Seed {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], round)
	return Seed(b[:])
}

// Key derives the storage key owned by program for namespace and seeds.
func Key(program common.Address, namespace string, seeds ...Seed) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(program.Bytes())
	writeSeed(h, []byte(namespace))
	for _, s := range seeds {
		writeSeed(h, s)
	}
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func writeSeed(h hash.Hash, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	h.Write(lenBuf[:n])
	h.Write(b)
}

// VoteManagerKey is the singleton manager address for admin.
func VoteManagerKey(program, admin common.Address) common.Hash {
	return Key(program, NamespaceVoteManager, Identity(admin))
}

// ProjectKey is the address of subjectID registered by admin in round.
func ProjectKey(program common.Address, subjectID string, round uint64, admin common.Address) common.Hash {
	return Key(program, NamespaceProject, Text(subjectID), Round(round), Identity(admin))
}

// BallotKey is the address of voter's ballot for subjectID in round.
func BallotKey(program common.Address, round uint64, voter common.Address, subjectID string) common.Hash {
	return Key(program, NamespaceVoter, Round(round), Identity(voter), Text(subjectID))
}

// TokenAccountKey is the associated token account of owner for mint under the
// token program.
func TokenAccountKey(tokenProgram, owner, mint common.Address) common.Hash {
	return Key(tokenProgram, NamespaceTokenAccount, Identity(owner), Identity(mint))
}

// MintKey is the address of the mint record under the token program.
func MintKey(tokenProgram, mint common.Address) common.Hash {
	return Key(tokenProgram, NamespaceMint, Identity(mint))
}
