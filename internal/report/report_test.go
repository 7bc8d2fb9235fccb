package report_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/domain"
	"readyline/internal/report"
)

func TestParseV1(t *testing.T) {
	rep, err := report.Parse([]byte(`{
		"version": "1",
		"repository": {"owner": "acme", "name": "widget", "full_name": "acme/widget"},
		"commit_sha": "deadbeef",
		"ref_name": "refs/heads/main",
		"scanned_at": "2026-03-01T11:00:00Z",
		"results": {
			"readme": {"passed": true},
			"coverage": {"score": 81.5, "meets_threshold": true}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "1", rep.Version)
	assert.Equal(t, "acme", rep.Metadata.Owner)
	assert.Equal(t, "widget", rep.Metadata.Name)
	assert.Equal(t, "acme/widget", rep.Metadata.FullName)
	assert.Equal(t, "deadbeef", rep.Metadata.CommitSHA)
	assert.Equal(t, "2026-03-01T11:00:00Z", rep.Metadata.ScannedAt)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, true, rep.Results["readme"]["passed"])
	assert.Equal(t, 81.5, rep.Results["coverage"]["score"])
}

func TestParseV2Checks(t *testing.T) {
	rep, err := report.Parse([]byte(`{
		"version": "v2",
		"repository": {"owner": "acme", "name": "widget"},
		"checks": [
			{"id": "linter", "data": {"count": 4}},
			{"id": "agents_doc", "data": {}},
			{"id": "", "data": {"ignored": true}}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "2", rep.Version, "the v prefix is tolerated")
	require.Len(t, rep.Results, 2)
	assert.Equal(t, 4.0, rep.Results["linter"]["count"])
	assert.NotNil(t, rep.Results["agents_doc"])
}

func TestParseDefaultsFullName(t *testing.T) {
	rep, err := report.Parse([]byte(`{
		"version": "1",
		"repository": {"owner": "acme", "name": "widget"},
		"results": {}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "acme/widget", rep.Metadata.FullName)
}

func TestParseNonObjectBagBecomesEmpty(t *testing.T) {
	// a bare scalar still counts as "the scan reported something", which is
	// what exists conditions care about
	rep, err := report.Parse([]byte(`{
		"version": "1",
		"repository": {"owner": "acme", "name": "widget"},
		"results": {"agents_doc": true, "readme": null}
	}`))
	require.NoError(t, err)
	bag, ok := rep.Results["agents_doc"]
	require.True(t, ok)
	assert.NotNil(t, bag)
	assert.Empty(t, bag)
	assert.NotNil(t, rep.Results["readme"])
}

func TestParseValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"version":`},
		{"missing version", `{"repository": {"owner": "a", "name": "b"}, "results": {}}`},
		{"unsupported version", `{"version": "9", "repository": {"owner": "a", "name": "b"}}`},
		{"missing owner", `{"version": "1", "repository": {"name": "b"}, "results": {}}`},
		{"missing name", `{"version": "1", "repository": {"owner": "a"}, "results": {}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := report.Parse([]byte(tc.body))
			var ve domain.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
		})
	}
}
