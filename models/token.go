package models

import "github.com/ethereum/go-ethereum/common"

// Mint describes a token and the identity allowed to issue it.
type Mint struct {
	Authority common.Address `json:"authority"`
	Supply    uint64         `json:"supply"`
}

// TokenAccount holds Owner's balance of Mint.
type TokenAccount struct {
	Mint   common.Address `json:"mint"`
	Owner  common.Address `json:"owner"`
	Amount uint64         `json:"amount"`
}
