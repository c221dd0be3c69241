// Package token models the token program the governance program pays fees
// through: mints, associated token accounts, minting and transfers. All state
// lives in the ledger so a transfer commits or aborts with the instruction that
// triggered it.
package token

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"governance-backend/derive"
	"governance-backend/models"
	"governance-backend/storage"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMintAuthority     = errors.New("signer is not the mint authority")
	ErrMintMismatch      = errors.New("token account belongs to a different mint")
	ErrOverflow          = errors.New("token amount overflow")
)

// Bank is the ledger-backed token program identified by ProgramID.
type Bank struct {
	programID common.Address
}

// NewBank returns the token program with the given id.
func NewBank(programID common.Address) *Bank {
	return &Bank{programID: programID}
}

// ID returns the program id.
func (b *Bank) ID() common.Address { return b.programID }

// AccountKey is the associated token account address of owner for mint.
func (b *Bank) AccountKey(owner, mint common.Address) common.Hash {
	return derive.TokenAccountKey(b.programID, owner, mint)
}

// CreateMint registers mint with authority as its sole issuer.
func (b *Bank) CreateMint(tx *storage.Txn, mint, authority common.Address) error {
	data, err := models.Encode(&models.Mint{Authority: authority})
	if err != nil {
		return err
	}
	return tx.Create(storage.KindMint, derive.MintKey(b.programID, mint), data)
}

// Mint loads a mint record.
func (b *Bank) Mint(tx *storage.Txn, mint common.Address) (*models.Mint, error) {
	data, err := tx.Get(storage.KindMint, derive.MintKey(b.programID, mint))
	if err != nil {
		return nil, fmt.Errorf("mint %s: %w", mint.Hex(), err)
	}
	var m models.Mint
	if err := models.Decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EnsureAccount creates owner's associated account for mint if it is missing.
func (b *Bank) EnsureAccount(tx *storage.Txn, owner, mint common.Address) error {
	key := b.AccountKey(owner, mint)
	exists, err := tx.Exists(storage.KindTokenAccount, key)
	if err != nil || exists {
		return err
	}
	data, err := models.Encode(&models.TokenAccount{Mint: mint, Owner: owner})
	if err != nil {
		return err
	}
	return tx.Create(storage.KindTokenAccount, key, data)
}

// Account loads owner's associated account for mint.
func (b *Bank) Account(tx *storage.Txn, owner, mint common.Address) (*models.TokenAccount, error) {
	data, err := tx.Get(storage.KindTokenAccount, b.AccountKey(owner, mint))
	if err != nil {
		return nil, fmt.Errorf("token account of %s: %w", owner.Hex(), err)
	}
	var acct models.TokenAccount
	if err := models.Decode(data, &acct); err != nil {
		return nil, err
	}
	if acct.Mint != mint {
		return nil, ErrMintMismatch
	}
	return &acct, nil
}

// Balance returns owner's balance of mint; a missing account holds nothing.
func (b *Bank) Balance(tx *storage.Txn, owner, mint common.Address) (uint64, error) {
	acct, err := b.Account(tx, owner, mint)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Amount, nil
}

// MintTo issues amount new tokens of mint into owner's account.
func (b *Bank) MintTo(tx *storage.Txn, mint, authority, owner common.Address, amount uint64) error {
	m, err := b.Mint(tx, mint)
	if err != nil {
		return err
	}
	if m.Authority != authority {
		return ErrMintAuthority
	}
	if m.Supply+amount < m.Supply {
		return ErrOverflow
	}
	if err := b.EnsureAccount(tx, owner, mint); err != nil {
		return err
	}
	acct, err := b.Account(tx, owner, mint)
	if err != nil {
		return err
	}
	if acct.Amount+amount < acct.Amount {
		return ErrOverflow
	}

	m.Supply += amount
	acct.Amount += amount
	if err := b.put(tx, storage.KindMint, derive.MintKey(b.programID, mint), m); err != nil {
		return err
	}
	return b.put(tx, storage.KindTokenAccount, b.AccountKey(owner, mint), acct)
}

// Transfer moves amount of mint from one owner's account to another's. Both
// accounts must exist.
func (b *Bank) Transfer(tx *storage.Txn, from, to, mint common.Address, amount uint64) error {
	src, err := b.Account(tx, from, mint)
	if err != nil {
		return err
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, src.Amount, amount)
	}
	if from == to {
		return nil
	}
	dst, err := b.Account(tx, to, mint)
	if err != nil {
		return err
	}
	if dst.Amount+amount < dst.Amount {
		return ErrOverflow
	}

	src.Amount -= amount
	dst.Amount += amount
	if err := b.put(tx, storage.KindTokenAccount, b.AccountKey(from, mint), src); err != nil {
		return err
	}
	return b.put(tx, storage.KindTokenAccount, b.AccountKey(to, mint), dst)
}

func (b *Bank) put(tx *storage.Txn, kind storage.Kind, key common.Hash, record interface{}) error {
	data, err := models.Encode(record)
	if err != nil {
		return err
	}
	return tx.Update(kind, key, data)
}
