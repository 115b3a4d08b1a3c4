package domain

import "time"

// Address is owned by the address book; checkout only reads it.
type Address struct {
	ID         int64
	UserID     int64
	Line       string
	City       string
	PostalCode string
	DeletedAt  *time.Time
}
