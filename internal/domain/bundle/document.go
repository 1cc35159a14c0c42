// Package bundle contains the policy document model, canonical JSON
// serialization, and the bundle archive builder.
package bundle

import (
	"slices"
)

// Document is the policy document served to enforcement points as data.json.
// Its top-level keys are the permitted bundle roots. GatewayToken and
// Metadata are injected after the revision hash is computed, so the revision
// is invariant under token refresh and metadata churn.
type Document struct {
	Catalog             map[string]CatalogEntry `json:"catalog"`
	AccessRules         []AccessRule            `json:"access_rules"`
	RevokedSubjects     []string                `json:"revoked_subjects"`
	GovernanceInstances map[string]string       `json:"governance_instances"`

	// AuthorityURL lets the enforcement point call back into the authority.
	AuthorityURL string `json:"authority_url"`

	// GatewayToken is the bearer token handed through for authenticated
	// callbacks. Excluded from the revision hash.
	GatewayToken string `json:"gateway_token,omitempty"`

	// Metadata is populated by the builder. Excluded from the revision hash.
	Metadata *Metadata `json:"_bundle_metadata,omitempty"`
}

// CatalogEntry describes one registered service and its tools.
type CatalogEntry struct {
	Enabled bool                 `json:"enabled"`
	Tools   map[string]ToolEntry `json:"tools"`
}

// ToolEntry carries the openness tag of a single tool ("open", "gated", ...).
type ToolEntry struct {
	Tag string `json:"tag"`
}

// AccessRule grants services/tools to callers matched by claims or identity.
// Rules are ordered; the enforcement point evaluates them in sequence.
type AccessRule struct {
	ID      string      `json:"id"`
	Matcher RuleMatcher `json:"matcher"`
	Allow   RuleAllow   `json:"allow"`
}

// RuleMatcher selects callers either by claim values or by exact identity.
type RuleMatcher struct {
	MatchType string            `json:"matchType"`
	Claims    map[string]string `json:"claims"`
	Identity  string            `json:"identity"`
}

// RuleAllow enumerates the services and tools a matching caller may use.
type RuleAllow struct {
	Services []string `json:"services"`
	Tools    []string `json:"tools"`
}

// Metadata is the build-time _bundle_metadata root.
type Metadata struct {
	BuiltAt  string `json:"built_at"`
	Revision string `json:"revision"`
	// SSEEventID is the last observed event-stream id, or null before the
	// first event.
	SSEEventID *string `json:"sse_event_id"`
}

// SourceData is the wire shape of the authority's getBundleData action.
type SourceData struct {
	Catalog         map[string]CatalogEntry `json:"catalog"`
	AccessRules     []AccessRule            `json:"accessRules"`
	RevokedSubjects []string                `json:"revokedSubjects"`
}

// NewDocument normalizes authority data into a policy document:
// maps and slices are never nil, tool tags default to "open", and revoked
// subjects are serialized as a sorted, de-duplicated sequence.
func NewDocument(src SourceData, instances map[string]string, authorityURL string) Document {
	catalog := make(map[string]CatalogEntry, len(src.Catalog))
	for svc, entry := range src.Catalog {
		tools := make(map[string]ToolEntry, len(entry.Tools))
		for name, tool := range entry.Tools {
			if tool.Tag == "" {
				tool.Tag = "open"
			}
			tools[name] = tool
		}
		catalog[svc] = CatalogEntry{Enabled: entry.Enabled, Tools: tools}
	}

	rules := make([]AccessRule, 0, len(src.AccessRules))
	for _, rule := range src.AccessRules {
		if rule.Matcher.MatchType == "" {
			rule.Matcher.MatchType = "claims"
		}
		if rule.Matcher.Claims == nil {
			rule.Matcher.Claims = map[string]string{}
		}
		if rule.Allow.Services == nil {
			rule.Allow.Services = []string{}
		}
		if rule.Allow.Tools == nil {
			rule.Allow.Tools = []string{}
		}
		rules = append(rules, rule)
	}

	revoked := slices.Clone(src.RevokedSubjects)
	slices.Sort(revoked)
	revoked = slices.Compact(revoked)
	if revoked == nil {
		revoked = []string{}
	}

	if instances == nil {
		instances = map[string]string{}
	}

	return Document{
		Catalog:             catalog,
		AccessRules:         rules,
		RevokedSubjects:     revoked,
		GovernanceInstances: instances,
		AuthorityURL:        authorityURL,
	}
}

// EmptyDocument returns the document served when the authority holds no
// gateway store singleton.
func EmptyDocument(authorityURL string) Document {
	return NewDocument(SourceData{}, nil, authorityURL)
}
