package models

// All lists every table the service owns, in dependency order.
func All() []any {
	return []any{
		&Payment{},
		&Receivable{},
		&Payable{},
		&Custody{},
		&Transfer{},
		&TransferLeg{},
		&Allocation{},
		&AllocationAuditLog{},
		&ReconciliationRun{},
	}
}
