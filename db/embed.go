// Package db embeds the checkout schema.
package db

import _ "embed"

// Schema creates the catalog, coupon, purchase and API key tables. Every
// statement is idempotent so it runs on each startup.
//
//go:embed migrations/001_schema.sql
var Schema string
