package exception

import "github.com/yanun0323/errors"

var (
	ErrLedgerUnknownID      = errors.New("ledger: lifecycle id not found")
	ErrLedgerTerminalRecord = errors.New("ledger: record already terminal")
	ErrLedgerDuplicateID    = errors.New("ledger: lifecycle id already issued")
	ErrLedgerEmptyID        = errors.New("ledger: empty lifecycle id")
	ErrLedgerInvalidStatus  = errors.New("ledger: invalid target status")
	ErrLedgerUnknownIDType  = errors.New("ledger: unknown id type")
)
