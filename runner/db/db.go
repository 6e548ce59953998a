package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// every connection to :memory: is a separate database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			workflow text not null,
			trigger text not null, -- json
			created text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);

		-- status event for a single run
		create table if not exists events (
			rkey text not null,
			nsid text not null,
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);

		create index if not exists events_run_id on events (run_id, created);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}
