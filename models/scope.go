package models

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	locationPrefix    = "loc_"
	maxBranchTokenLen = 64
	maxTenantIdLen    = 64
)

// Scope is the (tenant, location) partition key every document lives under.
// Fields are unexported: a Scope can only come out of ResolveScope or
// ScopeFromDocument, so no caller builds a partition key by hand.
type Scope struct {
	tenantId   string
	locationId string
}

func (s Scope) TenantId() string   { return s.tenantId }
func (s Scope) LocationId() string { return s.locationId }
func (s Scope) IsZero() bool       { return s.tenantId == "" || s.locationId == "" }
func (s Scope) String() string     { return s.tenantId + "/" + s.locationId }

// Owns reports whether a stored (tenantId, locationId) pair belongs to this scope.
func (s Scope) Owns(tenantId, locationId string) bool {
	return !s.IsZero() && s.tenantId == tenantId && s.locationId == locationId
}

// Check returns a CrossScopeViolation unless the pair belongs to this scope.
func (s Scope) Check(collection Collection, op, tenantId, locationId string) error {
	if s.IsZero() {
		return &CrossScopeViolation{Collection: collection, Op: op, Detail: "operation has no scope"}
	}
	if !s.Owns(tenantId, locationId) {
		return &CrossScopeViolation{
			Collection: collection,
			Op:         op,
			Detail:     fmt.Sprintf("document scope %s/%s does not match %s", tenantId, locationId, s),
		}
	}
	return nil
}

// ResolveLocation maps a human-facing branch identifier to its canonical
// location id. It is pure: the same input always yields the same output.
//
// "B1", " b1 " and "b1" all resolve to "loc_B1". Runs of whitespace, '_',
// '-' and '.' collapse to a single '-', so "Main St" and "main_st" are the
// same branch.
func ResolveLocation(branchId string) (string, error) {
	token, err := canonicalBranch(branchId)
	if err != nil {
		return "", err
	}
	return locationPrefix + token, nil
}

// ResolveScope builds the partition key for a tenant's branch.
func ResolveScope(tenantId, branchId string) (Scope, error) {
	tenant, err := canonicalTenant(tenantId)
	if err != nil {
		return Scope{}, err
	}
	locationId, err := ResolveLocation(branchId)
	if err != nil {
		return Scope{}, err
	}
	return Scope{tenantId: tenant, locationId: locationId}, nil
}

// ScopeFromDocument re-validates a stored (tenantId, locationId) pair, e.g. one
// read back from a queued payload. The location id must already be canonical.
func ScopeFromDocument(tenantId, locationId string) (Scope, error) {
	tenant, err := canonicalTenant(tenantId)
	if err != nil {
		return Scope{}, err
	}
	if !strings.HasPrefix(locationId, locationPrefix) {
		return Scope{}, &InvalidScopeError{Input: locationId, Reason: "location id must start with " + locationPrefix}
	}
	token := strings.TrimPrefix(locationId, locationPrefix)
	canonical, err := canonicalBranch(token)
	if err != nil {
		return Scope{}, &InvalidScopeError{Input: locationId, Reason: "location id is not canonical"}
	}
	if canonical != token {
		return Scope{}, &InvalidScopeError{Input: locationId, Reason: "location id is not canonical"}
	}
	return Scope{tenantId: tenant, locationId: locationId}, nil
}

func canonicalTenant(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &InvalidScopeError{Input: raw, Reason: "tenant id is empty"}
	}
	if len(s) > maxTenantIdLen {
		return "", &InvalidScopeError{Input: raw, Reason: "tenant id is too long"}
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return "", &InvalidScopeError{Input: raw, Reason: fmt.Sprintf("tenant id contains illegal character %q", r)}
		}
	}
	return s, nil
}

func canonicalBranch(raw string) (string, error) {
	s := strings.TrimSpace(norm.NFKC.String(raw))
	if s == "" {
		return "", &InvalidScopeError{Input: raw, Reason: "branch id is empty"}
	}
	upper := cases.Upper(language.Und).String(s)
	if strings.HasPrefix(upper, "LOC_") {
		return "", &InvalidScopeError{Input: raw, Reason: "input is already a location id, pass the branch id"}
	}

	var b strings.Builder
	pendingSep := false
	for _, r := range upper {
		switch {
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '_' || r == '-' || r == '.':
			pendingSep = true
		default:
			return "", &InvalidScopeError{Input: raw, Reason: fmt.Sprintf("illegal character %q", r)}
		}
	}
	token := b.String()
	if token == "" {
		return "", &InvalidScopeError{Input: raw, Reason: "branch id has no letters or digits"}
	}
	if len(token) > maxBranchTokenLen {
		return "", &InvalidScopeError{Input: raw, Reason: "branch id is too long"}
	}
	return token, nil
}

// FoldName is the comparison key for name-based ingredient matching:
// trimmed, NFKC-normalized and case-folded.
func FoldName(name string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(name)))
}
