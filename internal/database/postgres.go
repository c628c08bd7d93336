package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func openPostgres(cfg Config) (*gorm.DB, error) {
	dsn, err := buildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(dsn), serverGormConfig())
	if err != nil {
		return nil, err
	}
	return db, configurePool(db)
}

// buildPostgresDSN renders a keyword/value connection string for pgx. Sessions default to UTC
// and sslmode=disable unless overridden through Options.
func buildPostgresDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.User == "" || cfg.Name == "" {
		return "", errors.New("postgres configuration requires user and database name")
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	params := map[string]string{
		"host":     host,
		"port":     fmt.Sprint(port),
		"user":     cfg.User,
		"dbname":   cfg.Name,
		"sslmode":  "disable",
		"TimeZone": "UTC",
	}
	if cfg.Password != "" {
		params["password"] = cfg.Password
	}
	for key, value := range cfg.Options {
		params[key] = value
	}

	// Connection keys first, then everything else alphabetically.
	leading := []string{"host", "port", "user", "dbname", "password"}
	parts := make([]string, 0, len(params))
	for _, key := range leading {
		if value, ok := params[key]; ok {
			parts = append(parts, key+"="+quotePostgresValue(value))
			delete(params, key)
		}
	}
	rest := make([]string, 0, len(params))
	for key := range params {
		rest = append(rest, key)
	}
	sort.Strings(rest)
	for _, key := range rest {
		parts = append(parts, key+"="+quotePostgresValue(params[key]))
	}

	return strings.Join(parts, " "), nil
}

func quotePostgresValue(value string) string {
	if value != "" && !strings.ContainsAny(value, " '\\") {
		return value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return "'" + escaped + "'"
}
