package queue

import _ "embed"

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL for the queue tables. It is idempotent.
func Schema() string { return schemaSQL }
