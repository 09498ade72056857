// Package storage persists small named JSON documents.
//
// A Register holds every document of the process in memory and writes through
// to a Backend on each mutation. Backends:
//   - "file": one JSON file holding all documents, watched for external edits
//   - "sqlite": one row per document
//   - "redis": one hash field per document
//   - "memory": no persistence (tests, dry runs)
package storage
