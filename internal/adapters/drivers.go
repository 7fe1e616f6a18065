package adapters

// database/sql drivers for the relational backends fleet federates:
// postgres claims stores, duckdb and sqlite embedded ledgers, trino
// and snowflake warehouses.
import (
	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/snowflakedb/gosnowflake"
	_ "github.com/trinodb/trino-go-client/trino"
	_ "modernc.org/sqlite"
)
