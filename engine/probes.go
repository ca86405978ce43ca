package engine

import (
	"database/sql"
	"fmt"
	"net/http"
)

// ServeLiveness returns a handler that always responds 200.
// It only proves the process is serving requests, nothing more.
func ServeLiveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}
}

// ServeHealthProbe returns a handler that reports 200 only while the
// database can still open a transaction.
func ServeHealthProbe(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txn, err := db.BeginTx(r.Context(), nil)
		if err != nil {
			w.WriteHeader(500)
			return
		}
		if err := txn.Rollback(); err != nil {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}
}

// CheckHealthProbe GETs the given probe endpoint and fails unless it
// responds 200. Useful as a container healthcheck command.
func CheckHealthProbe(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
