package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const (
	dataEntryName     = "data.json"
	manifestEntryName = ".manifest"

	// revisionLen is the hex-character length of a bundle revision.
	revisionLen = 16
)

// Archive is one built bundle revision, served until superseded.
type Archive struct {
	Bytes    []byte
	ETag     string
	Revision string
	BuiltAt  time.Time
}

// manifest is the .manifest archive entry.
type manifest struct {
	Revision string           `json:"revision"`
	Roots    []string         `json:"roots"`
	Metadata manifestMetadata `json:"metadata"`
}

type manifestMetadata struct {
	BuiltAt string `json:"built_at"`
}

// Build packages a policy document as a gzip-compressed tar archive with
// exactly two entries: data.json and .manifest.
//
// The revision is computed over the canonical document BEFORE the gateway
// token and _bundle_metadata are injected, so a rebuild that sees identical
// authority data produces an unchanged revision even as the token and
// built_at churn.
func Build(doc Document, gatewayToken, sseEventID string, now time.Time) (*Archive, error) {
	// Hash the policy portion only.
	doc.GatewayToken = ""
	doc.Metadata = nil
	hashable, err := MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize policy document: %w", err)
	}
	sum := sha256.Sum256(hashable)
	revision := hex.EncodeToString(sum[:])[:revisionLen]

	builtAt := now.UTC().Truncate(time.Second)
	builtAtISO := builtAt.Format(time.RFC3339)

	// Inject pass-through token and build metadata for the served payload.
	doc.GatewayToken = gatewayToken
	meta := &Metadata{BuiltAt: builtAtISO, Revision: revision}
	if sseEventID != "" {
		meta.SSEEventID = &sseEventID
	}
	doc.Metadata = meta

	dataBytes, err := MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize bundle payload: %w", err)
	}

	roots, err := topLevelRoots(dataBytes)
	if err != nil {
		return nil, err
	}
	manifestBytes, err := json.Marshal(manifest{
		Revision: revision,
		Roots:    roots,
		Metadata: manifestMetadata{BuiltAt: builtAtISO},
	})
	if err != nil {
		return nil, fmt.Errorf("serialize manifest: %w", err)
	}

	archive, err := packArchive(dataBytes, manifestBytes)
	if err != nil {
		return nil, err
	}

	return &Archive{
		Bytes:    archive,
		ETag:     `"` + revision + `"`,
		Revision: revision,
		BuiltAt:  builtAt,
	}, nil
}

// topLevelRoots enumerates the document's top-level keys in lexical order.
func topLevelRoots(dataJSON []byte) ([]string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(dataJSON, &top); err != nil {
		return nil, fmt.Errorf("enumerate bundle roots: %w", err)
	}
	roots := make([]string, 0, len(top))
	for k := range top {
		roots = append(roots, k)
	}
	sort.Strings(roots)
	return roots, nil
}

// packArchive writes data.json and .manifest into a gzip-compressed tar.
// Entry sizes are the exact uncompressed byte lengths; header timestamps are
// left zero so equal payloads yield byte-equal archives.
func packArchive(dataBytes, manifestBytes []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	entries := []struct {
		name string
		body []byte
	}{
		{dataEntryName, dataBytes},
		{manifestEntryName, manifestBytes},
	}
	for _, entry := range entries {
		hdr := &tar.Header{
			Name:     entry.name,
			Mode:     0o644,
			Size:     int64(len(entry.body)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write %s header: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.body); err != nil {
			return nil, fmt.Errorf("write %s: %w", entry.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}
