// Package database opens the SQLite file behind the local event journal
// and applies its schema migrations.
//
// Migrations are plain SQL files named "<version>_<name>.up.sql", passed in
// as an fs.FS so the binary can embed them. They are additive; there is no
// down path.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Journal)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
