package repository

import "time"

// Document represents a row of the documents table. Data holds the raw JSON
// object; callers decode it.
type Document struct {
	ID         string
	Collection string
	Data       []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
