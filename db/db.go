package db

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database handle. It is constructed once in main and passed
// into every component that needs storage.
type DB struct {
	db *sql.DB
}

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        display_name varchar(255),
                        summary text,
                        web_public_key text,
                        web_private_key text,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertAccount           = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, web_public_key, web_private_key, created_at FROM accounts WHERE username = ?`
	sqlSelectAccountById       = `SELECT id, username, display_name, summary, web_public_key, web_private_key, created_at FROM accounts WHERE id = ?`
)

// Open opens (and if necessary creates) the sqlite database at the given
// path and runs the schema migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Try to enable WAL mode
	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	// Optimize PRAGMAs for the concurrent federation workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqlDB}

	if err := database.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return database, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// WithTx runs the given function within a transaction, retrying on
// SQLITE_BUSY. An error from f rolls everything back.
func (db *DB) WithTx(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	for {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			log.Printf("error starting transaction: %s", err)
			return err
		}
		err = f(tx)
		if err != nil {
			tx.Rollback()
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		return nil
	}
}

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary, acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
}

func (db *DB) ReadAccountByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountByUsername, username)
	var tempAcc domain.Account
	err := row.Scan(&tempAcc.Id, &tempAcc.Username, &tempAcc.DisplayName, &tempAcc.Summary, &tempAcc.WebPublicKey, &tempAcc.WebPrivateKey, &tempAcc.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &tempAcc
}

func (db *DB) ReadAccountById(id uuid.UUID) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountById, id.String())
	var tempAcc domain.Account
	err := row.Scan(&tempAcc.Id, &tempAcc.Username, &tempAcc.DisplayName, &tempAcc.Summary, &tempAcc.WebPublicKey, &tempAcc.WebPrivateKey, &tempAcc.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &tempAcc
}
