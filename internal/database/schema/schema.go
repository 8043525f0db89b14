package schema

import _ "embed"

// SQL holds the full DDL for the engine's tables.
//
//go:embed schema.sql
var SQL string
