package differ_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/kernelstore/internal/differ"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		want *differ.Diff
	}{
		{
			name: "identical documents produce no diff",
			old:  `{"a":1,"b":"x"}`,
			new:  `{"b":"x","a":1}`,
			want: nil,
		},
		{
			name: "added field",
			old:  `{"a":1}`,
			new:  `{"a":1,"b":2}`,
			want: &differ.Diff{Added: map[string]json.RawMessage{"b": json.RawMessage("2")}},
		},
		{
			name: "removed field",
			old:  `{"a":1,"b":2}`,
			new:  `{"a":1}`,
			want: &differ.Diff{Removed: map[string]json.RawMessage{"b": json.RawMessage("2")}},
		},
		{
			name: "modified field",
			old:  `{"a":1}`,
			new:  `{"a":2}`,
			want: &differ.Diff{Modified: map[string]differ.FieldChange{
				"a": {Old: json.RawMessage("1"), New: json.RawMessage("2")},
			}},
		},
		{
			name: "nested object unchanged despite key reordering is not modified",
			old:  `{"meta":{"x":1,"y":2}}`,
			new:  `{"meta":{"y":2,"x":1}}`,
			want: nil,
		},
		{
			name: "null old document treated as empty object",
			old:  `null`,
			new:  `{"a":1}`,
			want: &differ.Diff{Added: map[string]json.RawMessage{"a": json.RawMessage("1")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := differ.Diff(json.RawMessage(tt.old), json.RawMessage(tt.new))
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, len(tt.want.Added), len(got.Added))
			for k, v := range tt.want.Added {
				assert.JSONEq(t, string(v), string(got.Added[k]))
			}
			assert.Equal(t, len(tt.want.Removed), len(got.Removed))
			for k, v := range tt.want.Removed {
				assert.JSONEq(t, string(v), string(got.Removed[k]))
			}
			assert.Equal(t, len(tt.want.Modified), len(got.Modified))
			for k, v := range tt.want.Modified {
				assert.JSONEq(t, string(v.Old), string(got.Modified[k].Old))
				assert.JSONEq(t, string(v.New), string(got.Modified[k].New))
			}
		})
	}
}

func TestDiff_InvalidJSON(t *testing.T) {
	_, err := differ.Diff(json.RawMessage(`{`), json.RawMessage(`{}`))
	assert.Error(t, err)
}
