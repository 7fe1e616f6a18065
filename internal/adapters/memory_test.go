package adapters

import (
	"context"
	"errors"
	"testing"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
	"github.com/fleetql/fleet/internal/translate"
)

func intp(n int) *int { return &n }

func ledgerBackend() *MemoryBackend {
	b := NewMemoryBackend()
	b.SetTable("transactions",
		[]string{"txn_id", "claim_id", "amount", "status"},
		[][]interface{}{
			{"t1", "c1", 100.0, "posted"},
			{"t2", "c1", 250.0, "posted"},
			{"t3", "c2", 75.0, "pending"},
			{"t4", "c3", nil, "posted"},
		})
	return b
}

func exec(t *testing.T, b *MemoryBackend, sq *sqlparse.SourceQuery) *RowSet {
	t.Helper()
	rs, err := b.evaluate(sq)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return rs
}

func TestMemoryFilterAndProject(t *testing.T) {
	b := ledgerBackend()
	rs := exec(t, b, &sqlparse.SourceQuery{
		Source: "ledger",
		Tables: []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{
			{Name: "txn_id"}, {Name: "amount"},
		},
		Where: []sqlparse.Condition{
			{Column: "status", Operator: "=", Value: sqlparse.Value{Literal: "posted"}},
			{Column: "claim_id", Operator: "!=", Value: sqlparse.Value{Literal: "c3"}},
		},
	})
	if len(rs.Columns) != 2 || rs.Columns[0] != "txn_id" {
		t.Errorf("columns = %v", rs.Columns)
	}
	if rs.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", rs.NumRows())
	}
	if rs.Rows[0][0] != "t1" || rs.Rows[1][0] != "t2" {
		t.Errorf("rows = %v", rs.Rows)
	}
}

func TestMemoryStarProjection(t *testing.T) {
	b := ledgerBackend()
	rs := exec(t, b, &sqlparse.SourceQuery{
		Source:  "ledger",
		Tables:  []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{{Star: true}},
	})
	if len(rs.Columns) != 4 || rs.NumRows() != 4 {
		t.Errorf("shape = %v x %d", rs.Columns, rs.NumRows())
	}
}

func TestMemoryGroupedAggregate(t *testing.T) {
	b := ledgerBackend()
	rs := exec(t, b, &sqlparse.SourceQuery{
		Source: "ledger",
		Tables: []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{
			{Name: "claim_id"},
			{Aggregate: "count", Star: true, Alias: "n"},
			{Name: "amount", Aggregate: "sum", Alias: "total"},
		},
		GroupBy: []string{"claim_id"},
		OrderBy: []sqlparse.OrderBy{{Column: "claim_id"}},
	})
	if len(rs.Columns) != 3 || rs.Columns[1] != "n" || rs.Columns[2] != "total" {
		t.Fatalf("columns = %v", rs.Columns)
	}
	if rs.NumRows() != 3 {
		t.Fatalf("rows = %v", rs.Rows)
	}
	// c1 groups two rows summing 350.
	if rs.Rows[0][0] != "c1" || rs.Rows[0][1] != int64(2) || rs.Rows[0][2] != 350.0 {
		t.Errorf("c1 group = %v", rs.Rows[0])
	}
	// c3's amount is NULL: count(*) still sees the row, sum skips it.
	if rs.Rows[2][0] != "c3" || rs.Rows[2][1] != int64(1) || rs.Rows[2][2] != 0.0 {
		t.Errorf("c3 group = %v", rs.Rows[2])
	}
}

func TestMemoryGlobalAggregateOverZeroRows(t *testing.T) {
	b := ledgerBackend()
	rs := exec(t, b, &sqlparse.SourceQuery{
		Source: "ledger",
		Tables: []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{
			{Aggregate: "count", Star: true},
		},
		Where: []sqlparse.Condition{
			{Column: "status", Operator: "=", Value: sqlparse.Value{Literal: "void"}},
		},
	})
	if rs.NumRows() != 1 || rs.Rows[0][0] != int64(0) {
		t.Errorf("rows = %v, want single zero count", rs.Rows)
	}
}

func TestMemoryOrderAndLimit(t *testing.T) {
	b := ledgerBackend()
	rs := exec(t, b, &sqlparse.SourceQuery{
		Source:  "ledger",
		Tables:  []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{{Name: "txn_id"}, {Name: "amount"}},
		OrderBy: []sqlparse.OrderBy{{Column: "amount", Desc: true}},
		Limit:   intp(2),
	})
	if rs.NumRows() != 2 {
		t.Fatalf("rows = %v", rs.Rows)
	}
	if rs.Rows[0][0] != "t2" || rs.Rows[1][0] != "t1" {
		t.Errorf("order = %v", rs.Rows)
	}
}

func TestMemoryNullSortsFirst(t *testing.T) {
	b := ledgerBackend()
	rs := exec(t, b, &sqlparse.SourceQuery{
		Source:  "ledger",
		Tables:  []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{{Name: "txn_id"}, {Name: "amount"}},
		OrderBy: []sqlparse.OrderBy{{Column: "amount"}},
	})
	if rs.Rows[0][0] != "t4" {
		t.Errorf("first row = %v, want the NULL amount", rs.Rows[0])
	}
}

func TestMemoryLike(t *testing.T) {
	b := NewMemoryBackend()
	b.SetTable("claims", []string{"claim_id", "adjuster"}, [][]interface{}{
		{"c1", "smith"},
		{"c2", "smythe"},
		{"c3", "jones"},
	})
	rs := exec(t, b, &sqlparse.SourceQuery{
		Source:  "claims",
		Tables:  []sqlparse.TableRef{{Name: "claims"}},
		Columns: []sqlparse.SelectColumn{{Name: "claim_id"}},
		Where: []sqlparse.Condition{
			{Column: "adjuster", Operator: "LIKE", Value: sqlparse.Value{Literal: "sm_th%"}},
		},
	})
	if rs.NumRows() != 2 {
		t.Errorf("rows = %v", rs.Rows)
	}
}

func TestMemoryRejectsJoins(t *testing.T) {
	b := ledgerBackend()
	_, err := b.evaluate(&sqlparse.SourceQuery{
		Source: "ledger",
		Tables: []sqlparse.TableRef{{Name: "transactions"}, {Name: "claims"}},
		Joins: []sqlparse.JoinClause{{
			Type: sqlparse.JoinInner, LeftTable: "transactions",
			LeftColumn: "claim_id", RightTable: "claims", RightColumn: "claim_id",
		}},
	})
	if err == nil {
		t.Fatal("join accepted")
	}
	fe, _ := fleeterrors.As(err)
	if fe.Code != "UNSUPPORTED_OPERATION" {
		t.Errorf("code = %s", fe.Code)
	}
}

func TestMemoryForcedErrorIsTransient(t *testing.T) {
	b := ledgerBackend()
	b.SetError(errors.New("backend down"))
	_, err := b.evaluate(&sqlparse.SourceQuery{
		Source:  "ledger",
		Tables:  []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{{Name: "txn_id"}},
	})
	if err == nil {
		t.Fatal("forced error not surfaced")
	}
	if !fleeterrors.IsTransient(err) {
		t.Error("forced error should be transient")
	}

	b.SetError(nil)
	if _, err := b.evaluate(&sqlparse.SourceQuery{
		Source:  "ledger",
		Tables:  []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{{Name: "txn_id"}},
	}); err != nil {
		t.Errorf("evaluate after clear: %v", err)
	}
}

func TestMemoryConnRequiresStructuredForm(t *testing.T) {
	a := NewMemoryAdapter()
	a.AddBackend("mem", ledgerBackend())
	conn, err := a.Connect(context.Background(),
		registry.DataSourceConfig{ID: "mem"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	_, err = conn.ExecuteNative(context.Background(),
		&translate.TranslatedQuery{SQL: "SELECT 1"})
	if err == nil {
		t.Fatal("SQL-only query accepted by custom backend")
	}
}

func TestCompareValues(t *testing.T) {
	cases := []struct {
		a, b interface{}
		want int
	}{
		{nil, nil, 0},
		{nil, "x", -1},
		{"x", nil, 1},
		{int64(2), 10.0, -1},
		{int(5), int64(5), 0},
		{"abc", "abd", -1},
	}
	for _, tc := range cases {
		if got := CompareValues(tc.a, tc.b); got != tc.want {
			t.Errorf("CompareValues(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompareNullNeverMatches(t *testing.T) {
	cases := []struct {
		left     interface{}
		operator string
		right    interface{}
	}{
		{nil, "=", nil},
		{nil, "!=", "x"},
		{"x", "!=", nil},
		{nil, "<", 1},
		{1, ">=", nil},
		{nil, "LIKE", "%"},
	}
	for _, tc := range cases {
		ok, err := Compare(tc.left, tc.operator, tc.right)
		if err != nil {
			t.Fatalf("Compare(%v, %s, %v): %v", tc.left, tc.operator, tc.right, err)
		}
		if ok {
			t.Errorf("Compare(%v, %s, %v) matched", tc.left, tc.operator, tc.right)
		}
	}
}

func TestMemoryNullFilteredOutByInequality(t *testing.T) {
	b := ledgerBackend()
	rs := exec(t, b, &sqlparse.SourceQuery{
		Source:  "ledger",
		Tables:  []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{{Name: "txn_id"}},
		Where: []sqlparse.Condition{
			{Column: "amount", Operator: "!=", Value: sqlparse.Value{Literal: 999.0}},
		},
	})
	// t4's NULL amount compares as unknown, so it never passes.
	if rs.NumRows() != 3 {
		t.Fatalf("rows = %v, want the three non-NULL amounts", rs.Rows)
	}
	for _, row := range rs.Rows {
		if row[0] == "t4" {
			t.Error("NULL row matched an inequality")
		}
	}
}

func TestLikeMatch(t *testing.T) {
	cases := []struct {
		s, p string
		want bool
	}{
		{"smith", "sm%", true},
		{"smith", "%ith", true},
		{"smith", "s_ith", true},
		{"smith", "sm", false},
		{"", "%", true},
		{"", "_", false},
	}
	for _, tc := range cases {
		if got := likeMatch(tc.s, tc.p); got != tc.want {
			t.Errorf("likeMatch(%q, %q) = %v, want %v", tc.s, tc.p, got, tc.want)
		}
	}
}
