package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestCacheEntry_Fields(t *testing.T) {
	typ := reflect.TypeOf(CacheEntry{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Fingerprint", "uniqueIndex")
	assertGormTag(t, typ, "Fingerprint", "size:64")
	assertGormTag(t, typ, "QueryText", "type:text")
	assertGormTag(t, typ, "Tables", "type:json")
	assertGormTag(t, typ, "Status", "default:active")
	assertGormTag(t, typ, "Status", "index")
	assertFieldType(t, typ, "HitCount", "int64")
	assertFieldType(t, typ, "Score", "int")

	if got := (CacheEntry{}).TableName(); got != "query_cache" {
		t.Errorf("TableName = %q, want query_cache", got)
	}
}

func TestExecutionLog_Fields(t *testing.T) {
	typ := reflect.TypeOf(ExecutionLog{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Status", "size:16")
	assertGormTag(t, typ, "CacheHit", "default:false")
	assertFieldType(t, typ, "ErrorText", "*string")
	assertFieldType(t, typ, "RowCount", "*int")
	assertFieldType(t, typ, "CacheScore", "*int")
	assertFieldType(t, typ, "ElapsedMs", "int64")
}

func TestChatMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(ChatMessage{})

	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "MessageID", "uniqueIndex")
	assertGormTag(t, typ, "Content", "not null")

	stype := reflect.TypeOf(ChatSession{})
	assertGormTag(t, stype, "ID", "primaryKey")
	assertFieldType(t, stype, "ClosedAt", "*time.Time")
}

func TestEncodeDecodeStrings(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		enc  string
	}{
		{"nil", nil, "[]"},
		{"empty", []string{}, "[]"},
		{"two", []string{"orders", "users"}, `["orders","users"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeStrings(tt.in); got != tt.enc {
				t.Errorf("EncodeStrings = %q, want %q", got, tt.enc)
			}
		})
	}

	if got := DecodeStrings(""); got != nil {
		t.Errorf("DecodeStrings(\"\") = %v, want nil", got)
	}
	if got := DecodeStrings("not json"); got != nil {
		t.Errorf("DecodeStrings(garbage) = %v, want nil", got)
	}
	e := CacheEntry{Tables: `["sales"]`}
	if got := e.TableList(); len(got) != 1 || got[0] != "sales" {
		t.Errorf("TableList = %v", got)
	}
}
