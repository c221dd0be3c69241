package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"governance-backend/models"
	"governance-backend/storage"
)

// Snapshot is a readable dump of every record in the ledger.
type Snapshot struct {
	Program       common.Address        `json:"program"`
	Manager       *models.VoteManager   `json:"vote_manager,omitempty"`
	Projects      []models.Project      `json:"projects"`
	Ballots       []models.Ballot       `json:"ballots"`
	Mints         []models.Mint         `json:"mints"`
	TokenAccounts []models.TokenAccount `json:"token_accounts"`
}

// Snapshot reads the whole ledger in one consistent view.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Program: e.cfg.ProgramID}
	err := e.ledger.View(ctx, func(tx *storage.Txn) error {
		exists, err := tx.Exists(storage.KindVoteManager, e.ManagerKey())
		if err != nil {
			return err
		}
		if exists {
			if snap.Manager, err = e.loadManager(tx, e.ManagerKey()); err != nil {
				return err
			}
		}
		if err := scanInto(tx, storage.KindProject, &snap.Projects); err != nil {
			return err
		}
		if err := scanInto(tx, storage.KindBallot, &snap.Ballots); err != nil {
			return err
		}
		if err := scanInto(tx, storage.KindMint, &snap.Mints); err != nil {
			return err
		}
		return scanInto(tx, storage.KindTokenAccount, &snap.TokenAccounts)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func scanInto[T any](tx *storage.Txn, kind storage.Kind, out *[]T) error {
	return tx.Scan(kind, func(_ common.Hash, value []byte) error {
		var rec T
		if err := models.Decode(value, &rec); err != nil {
			return err
		}
		*out = append(*out, rec)
		return nil
	})
}

// RunSnapshots saves a snapshot into archive every interval until ctx ends.
// Failures are logged and the loop keeps going.
func (e *Engine) RunSnapshots(ctx context.Context, archive *storage.SnapshotArchive, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SaveSnapshot(ctx, archive); err != nil {
				e.log.WithError(err).Warn("failed to save snapshot")
			}
		}
	}
}

// SaveSnapshot writes the current ledger state into archive.
func (e *Engine) SaveSnapshot(ctx context.Context, archive *storage.SnapshotArchive) (string, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	path, err := archive.Save(snap)
	if err != nil {
		return path, err
	}
	e.log.WithFields(logrus.Fields{"path": path, "projects": len(snap.Projects), "ballots": len(snap.Ballots)}).Debug("snapshot saved")
	return path, nil
}
