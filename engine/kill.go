package engine

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	duckdb "github.com/duckdb/duckdb-go/v2"
)

// errKill carries the marker string KILL policies abort with. DuckDB
// surfaces it as the query error.
var errKill = errors.New("KILLing due to dfc policy violation")

// killFunc is a zero-argument BOOLEAN scalar that never returns a
// value. The rewriter plants kill() in the failure branch of KILL
// resolution predicates.
type killFunc struct{}

func (killFunc) Config() duckdb.ScalarFuncConfig {
	boolType, err := duckdb.NewTypeInfo(duckdb.TYPE_BOOLEAN)
	if err != nil {
		panic(err)
	}
	return duckdb.ScalarFuncConfig{
		ResultTypeInfo: boolType,
		Volatile:       true,
	}
}

func (killFunc) Executor() duckdb.ScalarFuncExecutor {
	return duckdb.ScalarFuncExecutor{
		RowExecutor: func(values []driver.Value) (any, error) {
			return nil, errKill
		},
	}
}

func registerKillUDF(conn *sql.Conn) error {
	if err := duckdb.RegisterScalarUDF(conn, "kill", killFunc{}); err != nil {
		return fmt.Errorf("register kill(): %w", err)
	}
	return nil
}
