// Package migrations embeds the resource store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
