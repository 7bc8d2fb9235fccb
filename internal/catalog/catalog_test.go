package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/catalog"
)

func f(v float64) *float64 { return &v }

func TestPassCondition(t *testing.T) {
	c := catalog.PassCondition{}
	assert.True(t, c.Satisfied(map[string]any{"passed": true}))
	assert.True(t, c.Satisfied(map[string]any{"present": true}))
	assert.False(t, c.Satisfied(map[string]any{"passed": false}))
	assert.False(t, c.Satisfied(map[string]any{"passed": "yes"}))
	assert.False(t, c.Satisfied(map[string]any{}))
	assert.False(t, c.Satisfied(nil))
}

func TestCountCondition(t *testing.T) {
	c := catalog.CountCondition{Min: 3}
	assert.True(t, c.Satisfied(map[string]any{"count": 3.0}))
	assert.True(t, c.Satisfied(map[string]any{"count": 10}))
	assert.False(t, c.Satisfied(map[string]any{"count": 2.0}))
	// missing or malformed field never satisfies and never panics
	assert.False(t, c.Satisfied(map[string]any{}))
	assert.False(t, c.Satisfied(map[string]any{"count": "three"}))
	assert.False(t, c.Satisfied(map[string]any{"count": nil}))
}

func TestScoreConditionInclusiveMinimum(t *testing.T) {
	c := catalog.ScoreCondition{Min: 70}
	assert.True(t, c.Satisfied(map[string]any{"score": 70.0}))
	assert.True(t, c.Satisfied(map[string]any{"score": 70}))
	assert.False(t, c.Satisfied(map[string]any{"score": 69.9}))
	assert.False(t, c.Satisfied(map[string]any{"meets_threshold": true}))
}

func TestExistsCondition(t *testing.T) {
	c := catalog.ExistsCondition{}
	assert.True(t, c.Satisfied(map[string]any{}))
	assert.True(t, c.Satisfied(map[string]any{"anything": 1}))
	assert.False(t, c.Satisfied(nil))
}

func TestConditionSpecCompile(t *testing.T) {
	cases := []struct {
		name    string
		spec    catalog.ConditionSpec
		want    catalog.Condition
		wantErr bool
	}{
		{name: "pass", spec: catalog.ConditionSpec{Type: "pass"}, want: catalog.PassCondition{}},
		{name: "exists", spec: catalog.ConditionSpec{Type: "exists"}, want: catalog.ExistsCondition{}},
		{name: "count", spec: catalog.ConditionSpec{Type: "count", Min: f(2)}, want: catalog.CountCondition{Min: 2}},
		{name: "score", spec: catalog.ConditionSpec{Type: "score", Min: f(80)}, want: catalog.ScoreCondition{Min: 80}},
		{name: "pass with min", spec: catalog.ConditionSpec{Type: "pass", Min: f(1)}, wantErr: true},
		{name: "exists with min", spec: catalog.ConditionSpec{Type: "exists", Min: f(1)}, wantErr: true},
		{name: "count without min", spec: catalog.ConditionSpec{Type: "count"}, wantErr: true},
		{name: "negative min", spec: catalog.ConditionSpec{Type: "score", Min: f(-1)}, wantErr: true},
		{name: "empty type", spec: catalog.ConditionSpec{}, wantErr: true},
		{name: "unknown type", spec: catalog.ConditionSpec{Type: "regex"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.spec.Compile()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDocCompileSortsLevels(t *testing.T) {
	doc := catalog.Doc{Quests: map[string]catalog.QuestDoc{
		"coverage": {Levels: []catalog.LevelDoc{
			{Level: 3, Condition: catalog.ConditionSpec{Type: "score", Min: f(90)}},
			{Level: 1, Condition: catalog.ConditionSpec{Type: "score", Min: f(40)}},
			{Level: 2, Condition: catalog.ConditionSpec{Type: "score", Min: f(70)}},
		}},
	}}
	cat, err := doc.Compile()
	require.NoError(t, err)
	def := cat["coverage"]
	require.Len(t, def.Levels, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{def.Levels[0].Level, def.Levels[1].Level, def.Levels[2].Level})
	assert.False(t, def.Legacy())
}

func TestDocCompileRejectsDuplicateLevels(t *testing.T) {
	doc := catalog.Doc{Quests: map[string]catalog.QuestDoc{
		"q": {Levels: []catalog.LevelDoc{
			{Level: 1, Condition: catalog.ConditionSpec{Type: "pass"}},
			{Level: 1, Condition: catalog.ConditionSpec{Type: "exists"}},
		}},
	}}
	_, err := doc.Compile()
	assert.Error(t, err)
}

func TestDocCompileRejectsNonPositiveLevel(t *testing.T) {
	doc := catalog.Doc{Quests: map[string]catalog.QuestDoc{
		"q": {Levels: []catalog.LevelDoc{{Level: 0, Condition: catalog.ConditionSpec{Type: "pass"}}}},
	}}
	_, err := doc.Compile()
	assert.Error(t, err)
}

func TestDocCompileAllowsLegacyQuest(t *testing.T) {
	doc := catalog.Doc{Quests: map[string]catalog.QuestDoc{
		"contributing_doc": {ManualApproval: true},
	}}
	cat, err := doc.Compile()
	require.NoError(t, err)
	assert.True(t, cat["contributing_doc"].Legacy())
	assert.True(t, cat["contributing_doc"].ManualApproval)
}

func TestDocRoundTrip(t *testing.T) {
	doc := catalog.Doc{Quests: map[string]catalog.QuestDoc{
		"readme": {Title: "Readme", Levels: []catalog.LevelDoc{
			{Level: 1, Condition: catalog.ConditionSpec{Type: "pass"}},
		}},
		"linter": {ManualApproval: true, Levels: []catalog.LevelDoc{
			{Level: 1, Condition: catalog.ConditionSpec{Type: "count", Min: f(1)}},
			{Level: 2, Condition: catalog.ConditionSpec{Type: "count", Min: f(4)}},
		}},
	}}
	cat, err := doc.Compile()
	require.NoError(t, err)
	back := catalog.DocOf(cat)
	cat2, err := back.Compile()
	require.NoError(t, err)
	assert.Equal(t, cat, cat2)
}
