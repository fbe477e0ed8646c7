package database

import _ "embed"

// Schema is the full catalog schema, for tests that skip migrations.
//
//go:embed schema.sql
var Schema string
