package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitQuotedFields(t *testing.T) {
	for _, tc := range []struct {
		in    string
		quote rune
		want  []string
	}{
		{`field'A' 'fieldB' fie'l\'d'C fieldD 'another field' fieldE`, '\'', []string{"fieldA", "fieldB", "fiel'dC", "fieldD", "another field", "fieldE"}},
		{`field"A" "fieldB" fie"l'd"C "field\"D" "yet another field"`, '"', []string{"fieldA", "fieldB", "fiel'dC", "field\"D", "yet another field"}},
		{`field"A" "" `, '"', []string{"fieldA", ""}},
		{` "" field"A"`, '"', []string{"", "fieldA"}},
		{`    field"A"   `, '"', []string{"fieldA"}},
		{` "" "" "" """" "" `, '"', []string{"", "", "", "", ""}},
		{`back\slash`, '"', []string{`back\slash`}},
		{"", '"', []string{}},
	} {
		require.Equal(t, tc.want, SplitQuotedFields(tc.in, tc.quote), "%q", tc.in)
	}
}
