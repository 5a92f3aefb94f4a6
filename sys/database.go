package sys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var DB *sql.DB

// ErrKeyNotFound is returned by GetKey when no value is stored for a key.
var ErrKeyNotFound = errors.New("key not found")

// InitDatabase opens the sqlite keystore and prepares the schema.
// The keystore holds runtime config overrides (API_URL) and the
// VC-authorized chat set.
func InitDatabase(ctx context.Context, dataSourceName string) error {
	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(1)
	DB.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := DB.PingContext(pingCtx); err != nil {
		return err
	}

	if _, err := DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS keystore (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf(MsgDatabaseTableError, err)
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		_ = DB.Close()
		DB = nil
	}
}

func GetKey(key string) (string, error) {
	var value string
	err := DB.QueryRow(`SELECT value FROM keystore WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func SetKey(key, value string) error {
	_, err := DB.Exec(`
		INSERT INTO keystore (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func DelKey(key string) error {
	_, err := DB.Exec(`DELETE FROM keystore WHERE key = ?`, key)
	return err
}

// GetAuthorizedChats returns the set of chats allowed to drive the voice
// engine without sudo rights. Enforcement lives in the command layer.
func GetAuthorizedChats() ([]int64, error) {
	raw, err := GetKey("VC_AUTH_GROUPS")
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var chats []int64
	if err := json.Unmarshal([]byte(raw), &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func SetAuthorizedChats(chats []int64) error {
	raw, err := json.Marshal(chats)
	if err != nil {
		return err
	}
	return SetKey("VC_AUTH_GROUPS", string(raw))
}
