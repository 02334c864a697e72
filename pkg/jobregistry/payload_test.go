package jobregistry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePayload_Shapes(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		shape PayloadShape
		asins []string
	}{
		{"legacy single", `{"asin":"B001","format":"m4b"}`, ShapeSingle, []string{"B001"}},
		{"multi", `{"asins":["B001"," B002 ","B001"]}`, ShapeMulti, []string{"B001", "B002"}},
		{"multi with stray asin", `{"asins":["B001"],"asin":"B003"}`, ShapeMulti, []string{"B001", "B003"}},
		{"empty object", `{}`, ShapeEmpty, []string{}},
		{"null", `null`, ShapeEmpty, []string{}},
		{"blank", ``, ShapeEmpty, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := DecodePayload([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.shape, raw.Shape)

			p := raw.Normalize()
			assert.Equal(t, tc.asins, p.ASINs)
		})
	}
}

func TestNormalizePayload_KeepsOptions(t *testing.T) {
	p, err := NormalizePayload([]byte(`{"asin":"B001","quality":"high","cleanup":true}`))
	require.NoError(t, err)

	var quality string
	ok, err := p.Option("quality", &quality)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "high", quality)

	ok, err = p.Option("missing", &quality)
	require.NoError(t, err)
	assert.False(t, ok)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"asins":["B001"],"quality":"high","cleanup":true}`, string(out))
}

func TestNormalizePayload_RejectsNonObject(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"B001"`, `{"asins":"B001"}`, `{"asin":5}`} {
		_, err := NormalizePayload([]byte(in))
		assert.Truef(t, IsValidation(err), "input %s", in)
	}
}

func TestPayload_MarshalAlwaysMulti(t *testing.T) {
	out, err := json.Marshal(Payload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"asins":[]}`, string(out))

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"asin":"B009"}`), &p))
	assert.Equal(t, []string{"B009"}, p.ASINs)
	require.NotNil(t, p.PrimaryASIN())
	assert.Equal(t, "B009", *p.PrimaryASIN())

	p.ASINs = append(p.ASINs, "B010")
	assert.Nil(t, p.PrimaryASIN())
}

func TestPayload_Validate(t *testing.T) {
	assert.True(t, IsValidation(Payload{}.Validate(TaskDownload)))
	assert.True(t, IsValidation(Payload{}.Validate(TaskConvert)))
	assert.NoError(t, Payload{}.Validate(TaskSync))
	assert.NoError(t, Payload{}.Validate(TaskRepair))
	assert.NoError(t, Payload{ASINs: []string{"B1"}}.Validate(TaskDownload))
	assert.True(t, IsValidation(Payload{}.Validate("upload")))
}
