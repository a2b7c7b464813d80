// Package storage persists generated billing documents. Documents are
// written once under a deterministic object key; the returned URL is what
// the batch records as its document location.
package storage

import (
	"context"
	"fmt"
)

// DocumentStore writes generated XML documents to durable storage.
type DocumentStore interface {
	// Put stores the document under key and returns its access URL.
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// ObjectKey builds the canonical object key for a batch document.
func ObjectKey(clinicID, batchID, version string) string {
	return fmt.Sprintf("batches/%s/%s/claim-%s.xml", clinicID, version, batchID)
}
