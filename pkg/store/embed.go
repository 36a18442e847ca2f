package store

import "embed"

// Migrations holds the goose SQL migrations that define the metadata
// store schema. cmd/tandem-migrate applies them.
//
//go:embed migrations/*.sql
var Migrations embed.FS
