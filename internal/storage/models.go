package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Attempt outcomes recorded in the ledger.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
)

// Attempt is one fetch attempt of one bundle file.
type Attempt struct {
	ID         string
	Model      string
	File       string
	Number     int
	Offset     int64 // byte offset the attempt resumed from
	Bytes      int64 // bytes written during the attempt
	Outcome    string
	ErrorKind  string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

type ResumeToken struct {
	Model     string
	File      string
	Token     []byte
	UpdatedAt time.Time
}

// CompletedFile records a bundle file that finished transferring, with the
// size the server reported. SHA256 is filled in once the file has been hashed.
type CompletedFile struct {
	Model       string
	File        string
	Size        int64
	SHA256      string
	CompletedAt time.Time
}
