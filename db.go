package replica

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// authStore wraps the sqlite database holding credentials and bans.
// The database is opened per operation; handshakes are rare enough
// that simplicity wins over pooling.
type authStore struct {
	path string
}

// open opens the database and creates the tables when missing.
func (s *authStore) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return nil, err
	}
	const tables = `CREATE TABLE IF NOT EXISTS auth (
		name VARCHAR(64) NOT NULL UNIQUE,
		password VARCHAR(512) NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ban (
		addr VARCHAR(64) NOT NULL,
		name VARCHAR(64) NOT NULL
	);
	`
	if _, err := db.Exec(tables); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// init verifies the database is reachable and the schema exists.
func (s *authStore) init() error {
	db, err := s.open()
	if err != nil {
		return err
	}
	return db.Close()
}

// readAuthItem returns the stored credential string for name, empty
// when the account does not exist.
func (s *authStore) readAuthItem(name string) (string, error) {
	db, err := s.open()
	if err != nil {
		return "", err
	}
	defer db.Close()

	var r string
	err = db.QueryRow(`SELECT password FROM auth WHERE name = ?;`, name).Scan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return r, nil
}

// addAuthItem stores the credential string of a new account.
func (s *authStore) addAuthItem(name, password string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	stmt, err := db.Prepare(`INSERT INTO auth (name, password) VALUES (?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.Exec(name, password)
	return err
}

// addBanItem inserts a ban entry.
func (s *authStore) addBanItem(addr, name string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec(`INSERT INTO ban (addr, name) VALUES (?, ?);`, addr, name)
	return err
}

// isBanned reports whether an address or peer name is banned.
func (s *authStore) isBanned(addr, name string) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, err
	}
	defer db.Close()

	var n int
	err = db.QueryRow(`SELECT COUNT(1) FROM ban WHERE addr = ? OR name = ?;`, addr, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// deleteBanItem removes ban entries matching a name or address.
func (s *authStore) deleteBanItem(key string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec(`DELETE FROM ban WHERE name = ? OR addr = ?;`, key, key)
	return err
}

// banList returns every ban entry, keyed by address.
func (s *authStore) banList() (map[string]string, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT addr, name FROM ban;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	r := make(map[string]string)
	for rows.Next() {
		var addr, name string
		if err := rows.Scan(&addr, &name); err != nil {
			return nil, err
		}
		r[addr] = name
	}
	return r, rows.Err()
}
