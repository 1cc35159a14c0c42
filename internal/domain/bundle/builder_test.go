package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"regexp"
	"testing"
	"time"
)

var buildTime = time.Date(2026, 3, 14, 9, 26, 53, 589793, time.UTC)

func sampleDocument() Document {
	return NewDocument(SourceData{
		Catalog: map[string]CatalogEntry{
			"gmail": {Enabled: true, Tools: map[string]ToolEntry{
				"send_email":  {Tag: "gated"},
				"list_labels": {},
			}},
		},
		AccessRules: []AccessRule{{
			ID:      "rule-1",
			Matcher: RuleMatcher{Claims: map[string]string{"team": "platform"}},
			Allow:   RuleAllow{Services: []string{"gmail"}},
		}},
		RevokedSubjects: []string{"mallory"},
	}, map[string]string{"gmail": "instance-1"}, "http://authority:12000")
}

func TestBuildRevisionInvariantUnderTokenAndMetadata(t *testing.T) {
	first, err := Build(sampleDocument(), "token-aaa", "", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := Build(sampleDocument(), "token-bbb", "event-42", buildTime.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if first.Revision != second.Revision {
		t.Errorf("revision changed with token/metadata: %s vs %s", first.Revision, second.Revision)
	}
	if first.ETag != second.ETag {
		t.Errorf("ETag changed with token/metadata: %s vs %s", first.ETag, second.ETag)
	}
}

func TestBuildRevisionChangesWithPolicyData(t *testing.T) {
	base, err := Build(sampleDocument(), "tok", "", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	changed := sampleDocument()
	changed.RevokedSubjects = append(changed.RevokedSubjects, "trudy")
	other, err := Build(changed, "tok", "", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if base.Revision == other.Revision {
		t.Errorf("revision did not change with policy data: %s", base.Revision)
	}
}

func TestBuildETagFormat(t *testing.T) {
	archive, err := Build(sampleDocument(), "tok", "", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(archive.Revision) {
		t.Errorf("revision %q is not 16 hex chars", archive.Revision)
	}
	if archive.ETag != `"`+archive.Revision+`"` {
		t.Errorf("ETag %q is not the quoted revision %q", archive.ETag, archive.Revision)
	}
}

func TestBuildDeterministicBytes(t *testing.T) {
	first, err := Build(sampleDocument(), "tok", "event-1", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := Build(sampleDocument(), "tok", "event-1", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !bytes.Equal(first.Bytes, second.Bytes) {
		t.Error("equal inputs produced different archive bytes")
	}
}

// unpack extracts the archive entries keyed by name.
func unpack(t *testing.T, archive []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("archive is not gzip: %v", err)
	}
	tr := tar.NewReader(gz)

	entries := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read failed: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar entry read failed: %v", err)
		}
		if hdr.Size != int64(len(body)) {
			t.Errorf("entry %s declares size %d, body is %d", hdr.Name, hdr.Size, len(body))
		}
		entries[hdr.Name] = body
	}
	return entries
}

func TestBuildArchiveContents(t *testing.T) {
	archive, err := Build(sampleDocument(), "tok-123", "event-7", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	entries := unpack(t, archive.Bytes)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (data.json and .manifest)", len(entries))
	}

	dataRaw, ok := entries["data.json"]
	if !ok {
		t.Fatal("archive is missing data.json")
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(dataRaw, &data); err != nil {
		t.Fatalf("data.json is not valid JSON: %v", err)
	}
	for _, root := range []string{"catalog", "access_rules", "revoked_subjects", "governance_instances", "authority_url", "gateway_token", "_bundle_metadata"} {
		if _, ok := data[root]; !ok {
			t.Errorf("data.json is missing root %q", root)
		}
	}

	var meta Metadata
	if err := json.Unmarshal(data["_bundle_metadata"], &meta); err != nil {
		t.Fatalf("_bundle_metadata is not valid: %v", err)
	}
	if meta.Revision != archive.Revision {
		t.Errorf("metadata revision %q, want %q", meta.Revision, archive.Revision)
	}
	if meta.BuiltAt != "2026-03-14T09:26:53Z" {
		t.Errorf("metadata built_at %q, want 2026-03-14T09:26:53Z", meta.BuiltAt)
	}
	if meta.SSEEventID == nil || *meta.SSEEventID != "event-7" {
		t.Errorf("metadata sse_event_id %v, want event-7", meta.SSEEventID)
	}

	manifestRaw, ok := entries[".manifest"]
	if !ok {
		t.Fatal("archive is missing .manifest")
	}
	var man struct {
		Revision string   `json:"revision"`
		Roots    []string `json:"roots"`
		Metadata struct {
			BuiltAt string `json:"built_at"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(manifestRaw, &man); err != nil {
		t.Fatalf(".manifest is not valid JSON: %v", err)
	}
	if man.Revision != archive.Revision {
		t.Errorf("manifest revision %q, want %q", man.Revision, archive.Revision)
	}
	if man.Metadata.BuiltAt != meta.BuiltAt {
		t.Errorf("manifest built_at %q, metadata built_at %q", man.Metadata.BuiltAt, meta.BuiltAt)
	}
	if len(man.Roots) != len(data) {
		t.Fatalf("manifest lists %d roots, data.json has %d", len(man.Roots), len(data))
	}
	for i := 1; i < len(man.Roots); i++ {
		if man.Roots[i-1] >= man.Roots[i] {
			t.Errorf("manifest roots not sorted: %v", man.Roots)
		}
	}
	for _, root := range man.Roots {
		if _, ok := data[root]; !ok {
			t.Errorf("manifest root %q absent from data.json", root)
		}
	}
}

func TestBuildNullEventIDBeforeFirstEvent(t *testing.T) {
	archive, err := Build(sampleDocument(), "tok", "", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	entries := unpack(t, archive.Bytes)
	var data struct {
		Metadata struct {
			SSEEventID *string `json:"sse_event_id"`
		} `json:"_bundle_metadata"`
	}
	if err := json.Unmarshal(entries["data.json"], &data); err != nil {
		t.Fatalf("data.json is not valid JSON: %v", err)
	}
	if data.Metadata.SSEEventID != nil {
		t.Errorf("sse_event_id = %q, want null", *data.Metadata.SSEEventID)
	}
	if !bytes.Contains(entries["data.json"], []byte(`"sse_event_id":null`)) {
		t.Error("data.json does not carry an explicit null sse_event_id")
	}
}

func TestNewDocumentNormalizes(t *testing.T) {
	doc := NewDocument(SourceData{
		Catalog: map[string]CatalogEntry{
			"svc": {Enabled: true, Tools: map[string]ToolEntry{"t1": {}}},
		},
		AccessRules:     []AccessRule{{ID: "r1"}},
		RevokedSubjects: []string{"bob", "alice", "bob"},
	}, nil, "http://authority:12000")

	if got := doc.Catalog["svc"].Tools["t1"].Tag; got != "open" {
		t.Errorf("tool tag defaulted to %q, want open", got)
	}
	rule := doc.AccessRules[0]
	if rule.Matcher.MatchType != "claims" {
		t.Errorf("matchType defaulted to %q, want claims", rule.Matcher.MatchType)
	}
	if rule.Matcher.Claims == nil || rule.Allow.Services == nil || rule.Allow.Tools == nil {
		t.Error("rule maps/slices not normalized to empty")
	}
	if got, want := len(doc.RevokedSubjects), 2; got != want {
		t.Fatalf("revoked subjects len %d, want %d", got, want)
	}
	if doc.RevokedSubjects[0] != "alice" || doc.RevokedSubjects[1] != "bob" {
		t.Errorf("revoked subjects %v, want sorted [alice bob]", doc.RevokedSubjects)
	}
	if doc.GovernanceInstances == nil {
		t.Error("governance instances not normalized to empty map")
	}
}

func TestEmptyDocumentRevisionStable(t *testing.T) {
	first, err := Build(EmptyDocument("http://authority:12000"), "tok-a", "", buildTime)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := Build(EmptyDocument("http://authority:12000"), "tok-b", "e-1", buildTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if first.Revision != second.Revision {
		t.Errorf("empty document revision not stable: %s vs %s", first.Revision, second.Revision)
	}
}
