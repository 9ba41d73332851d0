package storage

import (
	"testing"
	"time"

	"agentchat/internal/config"
)

func TestDriverAliases(t *testing.T) {
	cases := map[string]string{
		"":         "sqlite3",
		"sqlite":   "sqlite3",
		" SQLite3": "sqlite3",
		"MySQL":    "mysql",
		"postgres": "postgres",
	}
	for in, want := range cases {
		if got := Driver(in); got != want {
			t.Errorf("Driver(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(config.DatabaseConfig{Driver: "postgres", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(config.DatabaseConfig{Driver: "sqlite3"}); err == nil {
		t.Fatal("expected error for empty sqlite dsn")
	}
	if err := Migrate(nil, "postgres"); err == nil {
		t.Fatal("expected migrate error for unsupported driver")
	}
}

func TestMigrateIsIdempotentAndCascades(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, "sqlite"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	now := time.Now().UTC()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`, "alice", "hash", now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	userID, _ := res.LastInsertId()
	res, err = db.Exec(`INSERT INTO sessions (user_id, title, profile, thread_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, "New Chat", "agent", "thread_1", now, now)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	sessionID, _ := res.LastInsertId()
	if _, err := db.Exec(`INSERT INTO messages (user_id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, sessionID, "user", "hi", now); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if _, err := db.Exec(`DELETE FROM users WHERE id = ?`, userID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected messages to cascade, found %d", count)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected sessions to cascade, found %d", count)
	}
}
