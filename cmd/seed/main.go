// Command seed drives a scratch table through insert/update/delete DML
// against a live MySQL server, for exercising a running cdc-reader end to
// end. Adapted from the reference cmd/binlog_consumer/test.go, with the
// raw log calls replaced by internal/logging.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"

	"mysql-cdc-reader/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "seed: loading .env: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("seed.log")
	defer log.Sync()

	dsn := os.Getenv("CDC_SEED_DSN")
	if dsn == "" {
		log.Fatalw("CDC_SEED_DSN not set")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalw("open database", "error", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalw("ping database", "error", err)
	}
	log.Infow("connected to seed database")

	const createTableSQL = `CREATE TABLE IF NOT EXISTS cdc_seed_scratch (
		id INT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		value INT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(createTableSQL); err != nil {
		log.Fatalw("create scratch table", "error", err)
	}
	log.Infow("scratch table ready")

	pause := func() { time.Sleep(2 * time.Second) }

	insert := func(name string, value int) int64 {
		res, err := db.Exec("INSERT INTO cdc_seed_scratch (name, value) VALUES (?, ?)", name, value)
		if err != nil {
			log.Fatalw("insert", "error", err)
		}
		id, _ := res.LastInsertId()
		log.Infow("inserted row", "id", id, "name", name, "value", value)
		return id
	}

	id1 := insert("seed item 1", 100)
	pause()

	id2 := insert("seed item 2", 200)
	pause()

	log.Infow("updating row", "id", id1)
	if _, err := db.Exec("UPDATE cdc_seed_scratch SET value = ?, name = ? WHERE id = ?", 150, "seed item 1 updated", id1); err != nil {
		log.Fatalw("update", "error", err)
	}
	pause()

	log.Infow("deleting row", "id", id2)
	if _, err := db.Exec("DELETE FROM cdc_seed_scratch WHERE id = ?", id2); err != nil {
		log.Fatalw("delete", "error", err)
	}
	pause()

	insert("seed item 3", 300)
	log.Infow("seed sequence complete; check the reader's output for matching change records")
}
