// Package ledger owns per-account available/locked balances and the
// append-only transaction log. All balance mutations in the system go
// through these four operations, each inside an atomic unit of work
// supplied by the caller.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/terminal-bench/auctionhouse/internal/models"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

var (
	// ErrInsufficientFunds means the account's available balance cannot
	// cover a lock.
	ErrInsufficientFunds = errors.New("insufficient balance")
	// ErrInsufficientLocked means the account's locked balance cannot cover
	// an unlock or withdraw. During settlement this is a recoverable
	// condition: a concurrent supersede may have already released the same
	// escrow.
	ErrInsufficientLocked = errors.New("insufficient locked balance")
	// ErrInvalidAmount rejects non-positive amounts before any state is read.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Ledger binds the balance operations to an optional notification
// publisher. Each appended record is mirrored to the ledger.entry subject
// for downstream audit consumers. A nil *Ledger performs the same
// mutations and emits nothing.
type Ledger struct {
	Events messaging.Publisher
}

// silent backs the package-level forms used where no notification fabric
// is wired, seeding in tests included.
var silent *Ledger

// Lock moves amount from available to locked and appends a lock record
// referencing refID.
func Lock(tx store.Tx, accountID uuid.UUID, amount int64, refID uuid.UUID, note string) error {
	return silent.Lock(tx, accountID, amount, refID, note)
}

// Unlock moves amount from locked back to available and appends an unlock
// record referencing refID.
func Unlock(tx store.Tx, accountID uuid.UUID, amount int64, refID uuid.UUID, note string) error {
	return silent.Unlock(tx, accountID, amount, refID, note)
}

// Withdraw removes amount from locked; the funds leave the system from
// escrow and available is unchanged.
func Withdraw(tx store.Tx, accountID uuid.UUID, amount int64, refID uuid.UUID, note string) error {
	return silent.Withdraw(tx, accountID, amount, refID, note)
}

// Deposit adds amount to the available balance. It never fails for a valid
// positive amount.
func Deposit(tx store.Tx, accountID uuid.UUID, amount int64, note string) error {
	return silent.Deposit(tx, accountID, amount, note)
}

// Lock moves amount from available to locked and appends a lock record
// referencing refID.
func (l *Ledger) Lock(tx store.Tx, accountID uuid.UUID, amount int64, refID uuid.UUID, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	account, err := tx.AccountForUpdate(accountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", accountID, err)
	}
	if account.Available < amount {
		return ErrInsufficientFunds
	}

	availableBefore, lockedBefore := account.Available, account.Locked
	account.Available -= amount
	account.Locked += amount
	if err := tx.SaveAccount(account); err != nil {
		return fmt.Errorf("save account %s: %w", accountID, err)
	}
	record, err := appendRecord(tx, account, models.TxLock, amount, &refID, note, availableBefore, lockedBefore)
	if err != nil {
		return err
	}
	l.publishEntry(record)

	log.WithFields(log.Fields{"account_id": accountID, "amount": amount, "ref_id": refID}).
		Info("locked funds")
	return nil
}

// Unlock moves amount from locked back to available and appends an unlock
// record referencing refID.
func (l *Ledger) Unlock(tx store.Tx, accountID uuid.UUID, amount int64, refID uuid.UUID, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	account, err := tx.AccountForUpdate(accountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", accountID, err)
	}
	if account.Locked < amount {
		log.WithFields(log.Fields{"account_id": accountID, "locked": account.Locked, "amount": amount}).
			Error("attempted to unlock more than locked")
		return ErrInsufficientLocked
	}

	availableBefore, lockedBefore := account.Available, account.Locked
	account.Locked -= amount
	account.Available += amount
	if err := tx.SaveAccount(account); err != nil {
		return fmt.Errorf("save account %s: %w", accountID, err)
	}
	record, err := appendRecord(tx, account, models.TxUnlock, amount, &refID, note, availableBefore, lockedBefore)
	if err != nil {
		return err
	}
	l.publishEntry(record)

	log.WithFields(log.Fields{"account_id": accountID, "amount": amount, "ref_id": refID}).
		Info("unlocked funds")
	return nil
}

// Withdraw removes amount from locked; the funds leave the system from
// escrow and available is unchanged.
func (l *Ledger) Withdraw(tx store.Tx, accountID uuid.UUID, amount int64, refID uuid.UUID, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	account, err := tx.AccountForUpdate(accountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", accountID, err)
	}
	if account.Locked < amount {
		return ErrInsufficientLocked
	}

	availableBefore, lockedBefore := account.Available, account.Locked
	account.Locked -= amount
	if err := tx.SaveAccount(account); err != nil {
		return fmt.Errorf("save account %s: %w", accountID, err)
	}
	record, err := appendRecord(tx, account, models.TxWithdraw, amount, &refID, note, availableBefore, lockedBefore)
	if err != nil {
		return err
	}
	l.publishEntry(record)

	log.WithFields(log.Fields{"account_id": accountID, "amount": amount, "ref_id": refID}).
		Info("withdrew funds")
	return nil
}

// Deposit adds amount to the available balance. It never fails for a valid
// positive amount.
func (l *Ledger) Deposit(tx store.Tx, accountID uuid.UUID, amount int64, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	account, err := tx.AccountForUpdate(accountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", accountID, err)
	}

	availableBefore, lockedBefore := account.Available, account.Locked
	account.Available += amount
	if err := tx.SaveAccount(account); err != nil {
		return fmt.Errorf("save account %s: %w", accountID, err)
	}
	record, err := appendRecord(tx, account, models.TxDeposit, amount, nil, note, availableBefore, lockedBefore)
	if err != nil {
		return err
	}
	l.publishEntry(record)

	log.WithFields(log.Fields{"account_id": accountID, "amount": amount}).Info("deposited funds")
	return nil
}

// BidEscrowed reports whether a specific bid's escrow is still outstanding:
// a lock record exists for the bid and no unlock/withdraw record terminates
// it. The account's aggregate locked balance cannot answer this, since it
// may be commingled with locks from other auctions.
func BidEscrowed(tx store.Tx, accountID, bidID uuid.UUID) (bool, error) {
	locked, err := tx.HasTransaction(accountID, bidID, models.TxLock)
	if err != nil {
		return false, fmt.Errorf("check lock record for bid %s: %w", bidID, err)
	}
	if !locked {
		return false, nil
	}
	terminated, err := tx.HasTransaction(accountID, bidID, models.TxUnlock, models.TxWithdraw)
	if err != nil {
		return false, fmt.Errorf("check terminating record for bid %s: %w", bidID, err)
	}
	return !terminated, nil
}

// publishEntry mirrors one appended record to NATS, fire-and-forget. The
// unit of work may still roll back afterwards; consumers treat the
// transaction log, not this stream, as authoritative.
func (l *Ledger) publishEntry(record *models.Transaction) {
	if l == nil || l.Events == nil {
		return
	}
	event := messaging.LedgerEntryEvent{
		TransactionID:  record.ID,
		AccountID:      record.AccountID,
		Kind:           string(record.Kind),
		Amount:         record.Amount,
		Description:    record.Description,
		AvailableAfter: record.AvailableAfter,
		LockedAfter:    record.LockedAfter,
	}
	if record.RefID != nil {
		event.RefID = record.RefID.String()
	}
	if err := l.Events.Publish(context.Background(), messaging.EventTypeLedgerEntry, event); err != nil {
		log.WithError(err).WithField("transaction_id", record.ID).Error("publish ledger entry")
	}
}

func appendRecord(tx store.Tx, account *models.Account, kind models.TransactionKind, amount int64, refID *uuid.UUID, note string, availableBefore, lockedBefore int64) (*models.Transaction, error) {
	record := &models.Transaction{
		ID:              uuid.New(),
		AccountID:       account.ID,
		Kind:            kind,
		Amount:          amount,
		RefID:           refID,
		Description:     note,
		AvailableBefore: availableBefore,
		AvailableAfter:  account.Available,
		LockedBefore:    lockedBefore,
		LockedAfter:     account.Locked,
		CreatedAt:       time.Now().UTC(),
	}
	if err := tx.AppendTransaction(record); err != nil {
		return nil, fmt.Errorf("append %s record: %w", kind, err)
	}
	return record, nil
}
