package pgconn

import (
	"database/sql"

	"github.com/cellmark/cellmark/config"
	_ "github.com/lib/pq" // Import the postgres driver
	"github.com/sirupsen/logrus"
)

// ConnectDB opens a pooled Postgres connection and verifies it.
func ConnectDB(cnf config.DataSourceConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cnf.Dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cnf.MaxOpenConns)
	db.SetMaxIdleConns(cnf.MaxIdleConns)
	db.SetConnMaxLifetime(cnf.ConnMaxLifetime.Std())
	db.SetConnMaxIdleTime(cnf.ConnMaxIdleTime.Std())

	if err := db.Ping(); err != nil {
		logrus.Errorf("Database connection error ❌: %v", err)
		_ = db.Close()
		return nil, err
	}

	logrus.Info("Database connection established ✅")
	return db, nil
}
