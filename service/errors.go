package service

import (
	"errors"

	"governance-backend/storage"
	"governance-backend/token"
)

// Program errors. Every one of them aborts the whole transaction.
var (
	// authorization
	ErrNotAdmin        = errors.New("signer is not the vote program admin")
	ErrConstraintSeeds = errors.New("declared account does not match the derived address")

	// lifecycle
	ErrDoubleInitAttempt     = errors.New("vote manager already initialized")
	ErrAccountNotInitialized = errors.New("account not initialized")

	// round
	ErrWrongRound = errors.New("wrong vote round")

	// funds
	ErrInsufficientTokens = errors.New("insufficient tokens to pay the vote fee")
	ErrWrongMint          = errors.New("wrong token mint")

	// validation
	ErrProjectIDTooLong = errors.New("project id too long")

	// storage
	ErrAlreadyInUse = storage.ErrAlreadyInUse
)

// ErrorClass groups error codes for callers deciding how to react.
type ErrorClass string

const (
	ClassAuthorization ErrorClass = "authorization"
	ClassLifecycle     ErrorClass = "lifecycle"
	ClassRound         ErrorClass = "round"
	ClassFunds         ErrorClass = "funds"
	ClassValidation    ErrorClass = "validation"
	ClassStorage       ErrorClass = "storage"
	ClassInternal      ErrorClass = "internal"
)

var errorTable = []struct {
	err   error
	code  string
	class ErrorClass
}{
	{ErrNotAdmin, "NotAdmin", ClassAuthorization},
	{ErrConstraintSeeds, "ConstraintSeeds", ClassAuthorization},
	{ErrDoubleInitAttempt, "DoubleInitAttempt", ClassLifecycle},
	{ErrAccountNotInitialized, "AccountNotInitialized", ClassLifecycle},
	{ErrWrongRound, "WrongRound", ClassRound},
	{ErrInsufficientTokens, "InsufficientTokens", ClassFunds},
	{ErrWrongMint, "WrongMint", ClassFunds},
	{token.ErrInsufficientFunds, "InsufficientTokens", ClassFunds},
	{ErrProjectIDTooLong, "ProjectIdTooLong", ClassValidation},
	{ErrAlreadyInUse, "AlreadyInUse", ClassStorage},
	{storage.ErrNotFound, "AccountNotInitialized", ClassLifecycle},
}

// Code returns the stable name of err, "" for nil and "Internal" for errors the
// program does not define.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "Internal"
}

// Class returns the taxonomy group of err.
func Class(err error) ErrorClass {
	if err == nil {
		return ""
	}
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.class
		}
	}
	return ClassInternal
}
