package intake

import (
	"strings"
	"time"

	"github.com/iago/membership-intake/internal/domain"
)

// Reserved voting district codes. Real codes never repeat a single digit.
const (
	VotingDistrictUnassigned   = "99999999"
	VotingDistrictUnregistered = "22222222"
)

// ResolveGeography picks the canonical geography for a record. verified is
// nil when the identifier could not be verified at all; uploaded values are
// kept for anything the verification service did not return.
func ResolveGeography(record domain.BulkRecord, verified *domain.Geography) domain.Geography {
	if verified == nil {
		return domain.Geography{
			WardCode:           strings.TrimSpace(record.WardCode),
			VotingDistrictCode: VotingDistrictUnregistered,
		}
	}

	resolved := *verified
	if resolved.WardCode == "" {
		resolved.WardCode = strings.TrimSpace(record.WardCode)
	}
	if resolved.VotingDistrictCode == "" {
		resolved.VotingDistrictCode = VotingDistrictUnassigned
	}
	return resolved
}

// UploadedGeography is used when verification is skipped.
func UploadedGeography(record domain.BulkRecord) domain.Geography {
	district := strings.TrimSpace(record.VotingDistrictCode)
	if district == "" {
		district = VotingDistrictUnassigned
	}
	return domain.Geography{
		WardCode:           strings.TrimSpace(record.WardCode),
		VotingDistrictCode: district,
	}
}

const (
	earlyRenewalWindow = 30 * 24 * time.Hour
	gracePeriod        = 90 * 24 * time.Hour
)

// ClassifyRenewal compares an existing membership with now.
func ClassifyRenewal(member *domain.MemberSnapshot, now time.Time) domain.RenewalType {
	if member == nil {
		return domain.RenewalNew
	}
	status := strings.ToLower(strings.TrimSpace(member.Status))
	if status == "inactive" || status == "lapsed" || status == "cancelled" {
		return domain.RenewalInactiveReactivation
	}

	untilExpiry := member.ExpiryDate.Sub(now)
	switch {
	case untilExpiry > earlyRenewalWindow:
		return domain.RenewalEarly
	case untilExpiry >= 0:
		return domain.RenewalOnTime
	case -untilExpiry <= gracePeriod:
		return domain.RenewalLate
	default:
		return domain.RenewalInactiveReactivation
	}
}
