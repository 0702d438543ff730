package db

import "fmt"

// EnsureScanTable creates the scan table for prefix if it doesn't already
// exist:
//
//	id          integer, primary key, auto-increment
//	data        long bytes / large blob
//	data_hash   varchar(63), unique, not null
//	scan_status integer, default 0
//	time        integer (unix seconds), default now
//
// It is idempotent and safe to call on every Queue construction.
func (c *Connection) EnsureScanTable(prefix string) (string, error) {
	table, err := TableName(prefix)
	if err != nil {
		return "", err
	}

	var ddl, indexDDL string
	switch c.Dialect() {
	case "sqlite":
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data BLOB,
			data_hash VARCHAR(%d) NOT NULL,
			scan_status INTEGER NOT NULL DEFAULT 0,
			time INTEGER NOT NULL DEFAULT (CAST(strftime('%%s', 'now') AS INTEGER))
		)`, table, maxDataHashLength)
		indexDDL = fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS "%s_data_hash_idx" ON "%s" (data_hash)`, table, table)
	case "postgres":
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id SERIAL PRIMARY KEY,
			data BYTEA,
			data_hash VARCHAR(%d) NOT NULL,
			scan_status INTEGER NOT NULL DEFAULT 0,
			time BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM NOW())::BIGINT)
		)`, table, maxDataHashLength)
		indexDDL = fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS "%s_data_hash_idx" ON "%s" (data_hash)`, table, table)
	case "mysql":
		ddl = fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
			"id BIGINT PRIMARY KEY AUTO_INCREMENT, "+
			"data LONGBLOB, "+
			"data_hash VARCHAR(%d) NOT NULL, "+
			"scan_status INTEGER NOT NULL DEFAULT 0, "+
			"time BIGINT NOT NULL DEFAULT (UNIX_TIMESTAMP()), "+
			"UNIQUE KEY `%s_data_hash_idx` (data_hash)"+
			")", table, maxDataHashLength, table)
	default:
		return "", fmt.Errorf("db: unsupported dialect %q", c.Dialect())
	}

	if err := c.db.Exec(ddl).Error; err != nil {
		return "", wrapDatabaseError("ensure_scan_table", err)
	}
	if indexDDL != "" {
		if err := c.db.Exec(indexDDL).Error; err != nil {
			return "", wrapDatabaseError("ensure_scan_table_index", err)
		}
	}
	return table, nil
}
