package db

import (
	"context"
	"errors"
	"time"
)

var ErrDocumentNotFound = errors.New("document not found")

// Document is the metadata row of a collaborative object. Its content
// lives in the update log.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version counts the updates appended to the log.
	Version int `json:"version"`
}

// IDocumentStore is the document metadata persistence.
type IDocumentStore interface {
	CreateDocument(ctx context.Context, title string) (*Document, error)
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpdateDocument(ctx context.Context, id string, updates *DocumentUpdate) (*Document, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context) ([]*Document, error)
}

// DocumentUpdate is a partial update; nil fields are left unchanged.
type DocumentUpdate struct {
	Title *string `json:"title,omitempty"`
}
