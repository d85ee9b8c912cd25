package domain

const (
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"
	TxTypeTransfer   = "transfer"
	TxTypeRefund     = "refund"

	TxStatusCompleted = "COMPLETED"
	TxStatusPending   = "PENDING"
	TxStatusFailed    = "FAILED"
)

// TxTypes lists every ledger record type.
var TxTypes = []string{TxTypeDeposit, TxTypeWithdrawal, TxTypeTransfer, TxTypeRefund}

// ValidTxType reports whether t names a known transaction type.
func ValidTxType(t string) bool {
	for _, known := range TxTypes {
		if t == known {
			return true
		}
	}
	return false
}
