package db

import "gorm.io/gorm"

// ForUpdate returns the row-lock suffix for the connection's dialect.
// sqlite has no row locks; its single-writer model makes the clause redundant.
func ForUpdate(conn *gorm.DB) string {
	if conn.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

// ForUpdateSkipLocked returns the claim-lock suffix used by batch workers so
// concurrent runners skip rows already claimed by another worker.
func ForUpdateSkipLocked(conn *gorm.DB) string {
	if conn.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}
