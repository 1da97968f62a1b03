package tenants

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

const (
	tenantIDPrefix   = "TNT-"
	tenantIDLength   = 8
	tenantIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	databasePrefix   = "tenant_"
)

var (
	tenantIDPattern = regexp.MustCompile(`^TNT-[A-Z0-9]{8}$`)
	slugInvalid     = regexp.MustCompile(`[^a-z0-9]+`)
)

// IdentifierKind says how a tenant identifier should be looked up.
type IdentifierKind int

const (
	KindUnknown IdentifierKind = iota
	KindTenantID
	KindRecordID
)

func (k IdentifierKind) String() string {
	switch k {
	case KindTenantID:
		return "tenant_id"
	case KindRecordID:
		return "record_id"
	default:
		return "unknown"
	}
}

// GenerateTenantID returns a new random public tenant id.
func GenerateTenantID() (string, error) {
	max := big.NewInt(int64(len(tenantIDAlphabet)))
	var b strings.Builder
	b.Grow(len(tenantIDPrefix) + tenantIDLength)
	b.WriteString(tenantIDPrefix)
	for i := 0; i < tenantIDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate tenant id: %w", err)
		}
		b.WriteByte(tenantIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ClassifyIdentifier decides whether s is a public tenant id or a record id.
// It returns the parsed record id for KindRecordID.
func ClassifyIdentifier(s string) (IdentifierKind, int64) {
	s = strings.TrimSpace(s)
	if tenantIDPattern.MatchString(s) {
		return KindTenantID, 0
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return KindRecordID, id
	}
	return KindUnknown, 0
}

// IsTenantID reports whether s has the public tenant id format.
func IsTenantID(s string) bool {
	return tenantIDPattern.MatchString(s)
}

// Slugify lower-cases name and joins its alphanumeric runs with hyphens.
func Slugify(name string) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 63 {
		slug = strings.TrimRight(slug[:63], "-")
	}
	return slug
}

// DatabaseName derives the tenant database name from a tenant id.
func DatabaseName(tenantID string) string {
	return databasePrefix + strings.ToLower(strings.TrimPrefix(tenantID, tenantIDPrefix))
}
