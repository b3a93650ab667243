package database

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatements(t *testing.T) {
	s, err := ParseStatements("text/plain; charset=utf-8", []byte("  SELECT 1\n"))
	require.NoError(t, err)
	assert.Equal(t, Statements{SingleStatementName: {Query: "SELECT 1"}}, s)

	s, err = ParseStatements("application/json", []byte(`{
		"b": "SELECT 2",
		"a": {"query": "INSERT INTO t VALUES(?, ?, ?, ?)", "params": [1, 2.5, "x", null], "generated_keys": true}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Names())
	assert.Equal(t, "SELECT 2", s["b"].Query)
	assert.Equal(t, []interface{}{int64(1), 2.5, "x", nil}, s["a"].Params)
	assert.True(t, s["a"].GeneratedKeys)

	s, err = ParseStatements("", []byte(`{"only": "SELECT 3"}`))
	require.NoError(t, err)
	assert.Equal(t, "SELECT 3", s["only"].Query)

	s, err = ParseStatements("", []byte(`SELECT 4`))
	require.NoError(t, err)
	assert.Equal(t, "SELECT 4", s[SingleStatementName].Query)

	for _, tc := range []struct {
		contentType string
		body        string
	}{
		{"text/plain", "   "},
		{"application/json", `{}`},
		{"application/json", `{"a": ""}`},
		{"application/json", `{"a": {"query": "SELECT 1", "params": "x"}}`},
		{"application/json", `["SELECT 1"]`},
		{"application/xml", `<select/>`},
		{"not a content type;;", `SELECT 1`},
	} {
		_, err := ParseStatements(tc.contentType, []byte(tc.body))
		assert.True(t, errors.Is(err, ErrInvalidStatements), "%s %s: %v", tc.contentType, tc.body, err)
	}
}

func TestIsQuery(t *testing.T) {
	for _, tc := range []struct {
		query    string
		expected bool
	}{
		{"SELECT 1", true},
		{"  select * from t", true},
		{"(SELECT 1) UNION (SELECT 2)", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"VALUES (1)", true},
		{"explain SELECT 1", true},
		{"SHOW search_path", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET a = 1", false},
		{"selection_table", false},
		{"CREATE TABLE t (id INTEGER)", false},
	} {
		assert.Equal(t, tc.expected, Statement{Query: tc.query}.isQuery(), tc.query)
	}
	assert.True(t, Statement{Query: "INSERT INTO t VALUES (1) RETURNING id", ResultSet: true}.isQuery())
}

func TestConvertValue(t *testing.T) {
	assert.Equal(t, "text", convertValue([]byte("text")))
	assert.Equal(t, "/wA=", convertValue([]byte{0xff, 0x00}))
	at := time.Date(2021, 3, 4, 5, 6, 7, 8, time.UTC)
	assert.Equal(t, "2021-03-04T05:06:07.000000008Z", convertValue(at))
	assert.Equal(t, int64(3), convertValue(int64(3)))
	assert.Nil(t, convertValue(nil))
}
