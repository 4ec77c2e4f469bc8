package appfs

import "embed"

// FS holds the SQL migrations & the static assets shipped with the binaries.
//
//go:embed migrations/*.sql assets/common-passwords.txt.gz assets/templates/email/*
var FS embed.FS

const (
	MigrationsDir         = "migrations"
	EmailTemplatesDir     = "assets/templates/email"
	CommonPasswordsGzFile = "assets/common-passwords.txt.gz"
)
