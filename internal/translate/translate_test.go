package translate

import (
	"testing"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
)

func source(id string, kind capabilities.SourceKind, driver string,
	ops ...capabilities.Operation) *registry.DataSource {
	if len(ops) == 0 {
		ops = capabilities.DefaultOperations(kind)
	}
	return &registry.DataSource{
		ID:         id,
		Kind:       kind,
		Operations: capabilities.NewOperationSet(ops),
		Config:     registry.DataSourceConfig{ID: id, Kind: kind, Driver: driver},
	}
}

func intp(n int) *int { return &n }

func claimsFragment() *sqlparse.SourceQuery {
	return &sqlparse.SourceQuery{
		Source: "claims",
		Tables: []sqlparse.TableRef{{Name: "claims"}},
		Columns: []sqlparse.SelectColumn{
			{Name: "claim_id"},
			{Name: "status"},
		},
		Where: []sqlparse.Condition{
			{Column: "status", Operator: "=", Value: sqlparse.Value{Param: "status"}},
		},
		Limit: intp(50),
	}
}

func TestRelationalPostgresPlaceholders(t *testing.T) {
	s := NewRelationalStrategy()
	tq, err := s.Translate(claimsFragment(),
		source("claims", capabilities.KindRelational, "postgres"),
		nil, map[string]interface{}{"status": "open"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := `SELECT "claim_id", "status" FROM "claims" WHERE "status" = $1 LIMIT 50`
	if tq.SQL != want {
		t.Errorf("sql = %q, want %q", tq.SQL, want)
	}
	if len(tq.Args) != 1 || tq.Args[0] != "open" {
		t.Errorf("args = %v", tq.Args)
	}
}

func TestRelationalDefaultPlaceholders(t *testing.T) {
	s := NewRelationalStrategy()
	tq, err := s.Translate(claimsFragment(),
		source("claims", capabilities.KindRelational, "sqlite"),
		nil, map[string]interface{}{"status": "open"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := `SELECT "claim_id", "status" FROM "claims" WHERE "status" = ? LIMIT 50`
	if tq.SQL != want {
		t.Errorf("sql = %q, want %q", tq.SQL, want)
	}
}

func TestRelationalAggregateRendering(t *testing.T) {
	sq := &sqlparse.SourceQuery{
		Source: "ledger",
		Tables: []sqlparse.TableRef{{Name: "transactions"}},
		Columns: []sqlparse.SelectColumn{
			{Name: "status"},
			{Aggregate: "count", Star: true, Alias: "n"},
			{Name: "amount", Aggregate: "sum"},
		},
		GroupBy: []string{"status"},
		OrderBy: []sqlparse.OrderBy{{Column: "status", Desc: true}},
	}
	s := NewRelationalStrategy()
	tq, err := s.Translate(sq,
		source("ledger", capabilities.KindRelational, "postgres"), nil, nil)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := `SELECT "status", COUNT(*) AS "n", SUM("amount") AS "sum_amount"` +
		` FROM "transactions" GROUP BY "status" ORDER BY "status" DESC`
	if tq.SQL != want {
		t.Errorf("sql = %q, want %q", tq.SQL, want)
	}
}

func TestRelationalSchemaValidation(t *testing.T) {
	schema := &registry.Schema{Tables: []registry.Table{
		{Name: "claims", Columns: []registry.Column{
			{Name: "claim_id"}, {Name: "status"},
		}},
	}}
	sq := claimsFragment()
	sq.Columns = append(sq.Columns, sqlparse.SelectColumn{Name: "adjuster"})

	s := NewRelationalStrategy()
	_, err := s.Translate(sq,
		source("claims", capabilities.KindRelational, "postgres"),
		schema, map[string]interface{}{"status": "open"})
	if err == nil {
		t.Fatal("unknown column accepted")
	}
	fe, _ := fleeterrors.As(err)
	if fe.Code != "UNKNOWN_COLUMN" {
		t.Errorf("code = %s", fe.Code)
	}
}

func TestMainframeInlinesAndUppercases(t *testing.T) {
	sq := claimsFragment()
	sq.Where[0].Value = sqlparse.Value{Literal: "o'brien"}

	s := NewMainframeStrategy()
	tq, err := s.Translate(sq,
		source("mainframe", capabilities.KindMainframe, ""), nil, nil)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := "SELECT CLAIM_ID, STATUS FROM CLAIMS WHERE STATUS = 'o''brien' FETCH FIRST 50 ROWS ONLY"
	if tq.SQL != want {
		t.Errorf("sql = %q, want %q", tq.SQL, want)
	}
	if len(tq.Args) != 0 {
		t.Errorf("args = %v, want none", tq.Args)
	}
}

func TestMainframeRejectsAggregates(t *testing.T) {
	sq := &sqlparse.SourceQuery{
		Source:  "mainframe",
		Tables:  []sqlparse.TableRef{{Name: "policies"}},
		Columns: []sqlparse.SelectColumn{{Aggregate: "count", Star: true}},
	}
	s := NewMainframeStrategy()
	_, err := s.Translate(sq,
		source("mainframe", capabilities.KindMainframe, ""), nil, nil)
	if err == nil {
		t.Fatal("aggregate accepted")
	}
	fe, _ := fleeterrors.As(err)
	if fe.Code != "UNSUPPORTED_OPERATION" {
		t.Errorf("code = %s", fe.Code)
	}
	if fe.DataSource != "mainframe" {
		t.Errorf("data source = %s", fe.DataSource)
	}
}

func TestMainframeRejectsJoinsEvenWhenGranted(t *testing.T) {
	sq := &sqlparse.SourceQuery{
		Source: "mainframe",
		Tables: []sqlparse.TableRef{{Name: "a"}, {Name: "b"}},
		Columns: []sqlparse.SelectColumn{
			{Table: "a", Name: "x"},
		},
		Joins: []sqlparse.JoinClause{{
			Type: sqlparse.JoinInner, LeftTable: "a", LeftColumn: "x",
			RightTable: "b", RightColumn: "y",
		}},
	}
	wide := source("mainframe", capabilities.KindMainframe, "",
		capabilities.AllOperations()...)
	s := NewMainframeStrategy()
	if _, err := s.Translate(sq, wide, nil, nil); err == nil {
		t.Fatal("multi-table statement accepted")
	}
}

func TestRemoteAPINamedParameters(t *testing.T) {
	sq := claimsFragment()
	s := NewRemoteAPIStrategy()
	tq, err := s.Translate(sq,
		source("cards", capabilities.KindRemoteAPI, ""),
		nil, map[string]interface{}{"status": "posted"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := "SELECT `claim_id`, `status` FROM `claims` WHERE `status` = @status LIMIT 50"
	if tq.SQL != want {
		t.Errorf("sql = %q, want %q", tq.SQL, want)
	}
	if len(tq.NamedArgs) != 1 || tq.NamedArgs[0].Name != "status" ||
		tq.NamedArgs[0].Value != "posted" {
		t.Errorf("named args = %+v", tq.NamedArgs)
	}
	if len(tq.Args) != 0 {
		t.Errorf("positional args = %v, want none", tq.Args)
	}
}

func TestRemoteAPISynthesizesNamesForLiterals(t *testing.T) {
	sq := claimsFragment()
	sq.Where[0].Value = sqlparse.Value{Literal: int64(7)}
	s := NewRemoteAPIStrategy()
	tq, err := s.Translate(sq,
		source("cards", capabilities.KindRemoteAPI, ""), nil, nil)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(tq.NamedArgs) != 1 || tq.NamedArgs[0].Name != "p1" {
		t.Errorf("named args = %+v", tq.NamedArgs)
	}
}

func TestCustomResolvesParams(t *testing.T) {
	sq := claimsFragment()
	s := NewCustomStrategy()
	tq, err := s.Translate(sq,
		source("mem", capabilities.KindCustom, ""),
		nil, map[string]interface{}{"status": "open"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if tq.Structured == nil {
		t.Fatal("structured form missing")
	}
	got := tq.Structured.Where[0].Value
	if got.IsParam() || got.Literal != "open" {
		t.Errorf("resolved value = %+v", got)
	}
	// The input fragment must not be mutated.
	if !sq.Where[0].Value.IsParam() {
		t.Error("input fragment mutated")
	}
}

func TestMissingParameter(t *testing.T) {
	s := NewRelationalStrategy()
	_, err := s.Translate(claimsFragment(),
		source("claims", capabilities.KindRelational, "postgres"), nil, nil)
	if err == nil {
		t.Fatal("missing parameter accepted")
	}
	fe, _ := fleeterrors.As(err)
	if fe.Code != "MISSING_PARAMETER" {
		t.Errorf("code = %s", fe.Code)
	}
}

func TestDefaultRegistryCoversAllKinds(t *testing.T) {
	r := DefaultRegistry()
	for _, kind := range capabilities.AllSourceKinds() {
		if _, err := r.For(kind); err != nil {
			t.Errorf("no strategy for kind %s", kind)
		}
	}
	if _, err := r.For("warehouse"); err == nil {
		t.Error("unknown kind resolved")
	}
}
