// Package identity is the read side of the person and image store that
// training consumes, plus the bulk import used to bootstrap it.
package identity

import (
	"strconv"
	"time"
)

// Person is a registered identity.
type Person struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:200;not null"`
	CreatedAt time.Time
	Images    []PersonImage `gorm:"constraint:OnDelete:CASCADE"`
}

// PersonImage references one example photo of a person on local storage.
type PersonImage struct {
	ID        uint   `gorm:"primaryKey"`
	PersonID  uint   `gorm:"index;not null"`
	Path      string `gorm:"size:1024;not null"`
	CreatedAt time.Time
}

// Record is an identity with its ordered image paths as handed to training.
// ID is the stable string form of the primary key and never changes when a
// person is renamed.
type Record struct {
	ID         string
	Name       string
	ImagePaths []string
}

// Counts summarises the store for statistics output.
type Counts struct {
	Persons int64
	Images  int64
}

// recordID formats a primary key as a Record ID.
func recordID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
