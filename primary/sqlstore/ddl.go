package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect selects DDL and upsert syntax.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// DialectFor maps a database/sql driver name to a Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	case "postgres", "pgx", "postgresql":
		return Postgres, nil
	}
	return "", fmt.Errorf("sqlstore: unsupported driver %q", driver)
}

// SchemaDDL returns the statements creating the document table, the change
// log and the triggers feeding it.
func SchemaDDL(d Dialect, docTable, logTable string) []string {
	switch d {
	case MySQL:
		return mysqlDDL(docTable, logTable)
	case Postgres:
		return postgresDDL(docTable, logTable)
	default:
		return sqliteDDL(docTable, logTable)
	}
}

func sqliteDDL(doc, log string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, id)
)`, doc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	collection  TEXT NOT NULL,
	document_id TEXT NOT NULL,
	op          TEXT NOT NULL,
	payload     TEXT,
	created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`, log),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_ai AFTER INSERT ON %[1]s
BEGIN
	INSERT INTO %[2]s(collection, document_id, op, payload) VALUES (NEW.collection, NEW.id, 'insert', NEW.body);
END`, doc, log),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_au AFTER UPDATE ON %[1]s
BEGIN
	INSERT INTO %[2]s(collection, document_id, op, payload) VALUES (NEW.collection, NEW.id, 'update', NEW.body);
END`, doc, log),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_ad AFTER DELETE ON %[1]s
BEGIN
	INSERT INTO %[2]s(collection, document_id, op) VALUES (OLD.collection, OLD.id, 'delete');
END`, doc, log),
	}
}

func mysqlDDL(doc, log string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection VARCHAR(255) NOT NULL,
	id         VARCHAR(255) NOT NULL,
	body       LONGTEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, id)
)`, doc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq         BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	collection  VARCHAR(255) NOT NULL,
	document_id VARCHAR(255) NOT NULL,
	op          VARCHAR(16) NOT NULL,
	payload     LONGTEXT NULL,
	created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`, log),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_ai AFTER INSERT ON %[1]s FOR EACH ROW
	INSERT INTO %[2]s(collection, document_id, op, payload) VALUES (NEW.collection, NEW.id, 'insert', NEW.body)`, doc, log),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_au AFTER UPDATE ON %[1]s FOR EACH ROW
	INSERT INTO %[2]s(collection, document_id, op, payload) VALUES (NEW.collection, NEW.id, 'update', NEW.body)`, doc, log),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_ad AFTER DELETE ON %[1]s FOR EACH ROW
	INSERT INTO %[2]s(collection, document_id, op) VALUES (OLD.collection, OLD.id, 'delete')`, doc, log),
	}
}

func postgresDDL(doc, log string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	updated_at TIMESTAMPTZ DEFAULT now(),
	PRIMARY KEY (collection, id)
)`, doc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq         BIGSERIAL PRIMARY KEY,
	collection  TEXT NOT NULL,
	document_id TEXT NOT NULL,
	op          TEXT NOT NULL,
	payload     TEXT,
	created_at  TIMESTAMPTZ DEFAULT now()
)`, log),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s_log() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		INSERT INTO %[2]s(collection, document_id, op) VALUES (OLD.collection, OLD.id, 'delete');
		RETURN OLD;
	END IF;
	INSERT INTO %[2]s(collection, document_id, op, payload) VALUES (NEW.collection, NEW.id, lower(TG_OP), NEW.body);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`, doc, log),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %[1]s_log ON %[1]s`, doc),
		fmt.Sprintf(`CREATE TRIGGER %[1]s_log AFTER INSERT OR UPDATE OR DELETE ON %[1]s
	FOR EACH ROW EXECUTE FUNCTION %[1]s_log()`, doc),
	}
}

func upsertSQL(d Dialect, doc string) string {
	if d == MySQL {
		return fmt.Sprintf(`INSERT INTO %s(collection, id, body) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE body = VALUES(body), updated_at = CURRENT_TIMESTAMP`, doc)
	}
	return fmt.Sprintf(`INSERT INTO %s(collection, id, body) VALUES (?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`, doc)
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(d Dialect, query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
