// Package report parses the external CI action's scan report and normalizes
// it into the flat quest-key -> raw-result map the readiness engine consumes.
// Only the envelope (version, repository identity) is validated; raw result
// bags are passed through uninterpreted.
package report

import (
	"encoding/json"
	"strings"

	"readyline/internal/domain"
	"readyline/internal/readiness"
)

// Metadata identifies the scanned repository and commit.
type Metadata struct {
	Owner     string
	Name      string
	FullName  string
	CommitSHA string
	RefName   string
	ScannedAt string
}

// Report is a parsed, normalized scan report.
type Report struct {
	Version  string
	Metadata Metadata
	Results  map[string]readiness.ScanResult
}

type envelope struct {
	Version    string `json:"version"`
	Repository struct {
		Owner    string `json:"owner"`
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	CommitSHA string `json:"commit_sha"`
	RefName   string `json:"ref_name"`
	ScannedAt string `json:"scanned_at"`

	// v1 shape
	Results map[string]json.RawMessage `json:"results"`
	// v2 shape
	Checks []struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	} `json:"checks"`
}

// Parse decodes a raw report body. Unknown versions and missing repository
// identity are validation errors; everything inside the result bags is
// tolerated as-is.
func Parse(data []byte) (Report, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Report{}, domain.ValidationError{Field: "report", Reason: "invalid JSON: " + err.Error()}
	}
	version := strings.TrimPrefix(strings.TrimSpace(env.Version), "v")
	switch version {
	case "1", "2":
	case "":
		return Report{}, domain.ValidationError{Field: "version", Reason: "required"}
	default:
		return Report{}, domain.ValidationError{Field: "version", Reason: "unsupported report version " + env.Version}
	}
	owner := strings.TrimSpace(env.Repository.Owner)
	name := strings.TrimSpace(env.Repository.Name)
	if owner == "" || name == "" {
		return Report{}, domain.ValidationError{Field: "repository", Reason: "owner and name are required"}
	}
	fullName := env.Repository.FullName
	if fullName == "" {
		fullName = owner + "/" + name
	}
	rep := Report{
		Version: version,
		Metadata: Metadata{
			Owner:     owner,
			Name:      name,
			FullName:  fullName,
			CommitSHA: env.CommitSHA,
			RefName:   env.RefName,
			ScannedAt: env.ScannedAt,
		},
		Results: map[string]readiness.ScanResult{},
	}
	switch version {
	case "1":
		for key, raw := range env.Results {
			if key == "" {
				continue
			}
			rep.Results[key] = decodeBag(raw)
		}
	case "2":
		for _, check := range env.Checks {
			if check.ID == "" {
				continue
			}
			rep.Results[check.ID] = decodeBag(check.Data)
		}
	}
	return rep, nil
}

// decodeBag turns a raw result value into a ScanResult. Non-object values
// still count as "the scan reported something" for exists conditions, so
// they become an empty bag rather than disappearing.
func decodeBag(raw json.RawMessage) readiness.ScanResult {
	if len(raw) == 0 {
		return readiness.ScanResult{}
	}
	var bag map[string]any
	if err := json.Unmarshal(raw, &bag); err != nil || bag == nil {
		return readiness.ScanResult{}
	}
	return bag
}
