// Package migrations содержит схему БД.
package migrations

import "embed"

// FS содержит SQL-скрипты схемы.
//
//go:embed *.sql
var FS embed.FS
