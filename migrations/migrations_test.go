package migrations

import (
	"strings"
	"testing"
)

func TestStatements(t *testing.T) {
	mysql, err := Statements("mysql")
	if err != nil {
		t.Fatalf("Statements: %v", err)
	}
	if len(mysql) != 2 || !strings.Contains(mysql[0], "publish_jobs") {
		t.Fatalf("unexpected mysql statements %q", mysql)
	}

	ch, err := Statements("clickhouse")
	if err != nil {
		t.Fatalf("Statements: %v", err)
	}
	if len(ch) != 2 || !strings.HasPrefix(ch[0], "CREATE DATABASE") {
		t.Fatalf("unexpected clickhouse statements %q", ch)
	}
}
