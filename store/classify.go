package store

import (
	"regexp"
	"strings"
)

// BackendKind names the storage engine behind a connection string.
type BackendKind string

const (
	BackendPostgres  BackendKind = "postgres"
	BackendSQLServer BackendKind = "sqlserver"
	BackendCosmos    BackendKind = "cosmos"
	BackendRedis     BackendKind = "redis"
	BackendSQLite    BackendKind = "sqlite"
	BackendMemory    BackendKind = "memory"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateTableName rejects names that cannot be spliced into DDL safely.
func ValidateTableName(backend BackendKind, name string) error {
	if !validTableName.MatchString(name) {
		return Errorf(KindConfiguration, backend, "configure", "invalid table name %q", name)
	}
	return nil
}

// Classify picks the backend for a connection string. Rules are tried in order
// and the first match wins.
func Classify(connString string) (BackendKind, error) {
	s := strings.ToLower(strings.TrimSpace(connString))
	if s == "" {
		return "", Errorf(KindConfiguration, "", "classify", "empty connection string")
	}

	switch {
	case strings.HasPrefix(s, "postgres://"), strings.HasPrefix(s, "postgresql://"):
		return BackendPostgres, nil
	case isSQLServer(s):
		return BackendSQLServer, nil
	case isCosmos(s):
		return BackendCosmos, nil
	case strings.HasPrefix(s, "redis://"), strings.HasPrefix(s, "rediss://"):
		return BackendRedis, nil
	case strings.HasPrefix(s, "sqlite://"), strings.HasPrefix(s, "sqlite3://"), strings.HasPrefix(s, "file:"):
		return BackendSQLite, nil
	case strings.HasPrefix(s, "memory://"):
		return BackendMemory, nil
	}

	return "", Errorf(KindConfiguration, "", "classify",
		"unable to detect database type; supported formats: "+
			"PostgreSQL (postgresql://...), "+
			"SQL Server (mssql+pyodbc://...?driver=..., sqlserver://...), "+
			"Cosmos DB (AccountEndpoint=...;AccountKey=...;), "+
			"Redis (redis://...), SQLite (sqlite://path), in-process (memory://name)")
}

func isSQLServer(s string) bool {
	if scheme, _, ok := strings.Cut(s, "://"); ok {
		if scheme == "mssql" || scheme == "sqlserver" || strings.HasPrefix(scheme, "mssql+") {
			return true
		}
	}
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(part, "=")
		if ok && strings.TrimSpace(key) == "driver" && strings.Contains(value, "sql server") {
			return true
		}
	}
	return false
}

func isCosmos(s string) bool {
	fields := ParseKeyValues(s)
	_, hasEndpoint := fields["accountendpoint"]
	_, hasKey := fields["accountkey"]
	return hasEndpoint && hasKey
}

// ParseKeyValues splits a "k1=v1;k2=v2" string. Keys are lower-cased; values
// keep everything after the first '=' so base64 padding survives.
func ParseKeyValues(s string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}
