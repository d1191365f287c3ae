package analysis

import "strings"

// Overview keys aggregated from scanner output. The numeric values accumulate
// across artifacts on the parent task and plan overviews.
const (
	OverviewKeyCveCriticalCount = "cveCriticalCount"
	OverviewKeyCveHighCount     = "cveHighCount"
	OverviewKeyCveMediumCount   = "cveMediumCount"
	OverviewKeyCveLowCount      = "cveLowCount"

	OverviewKeyLicenseTotalCount   = "licenseTotalCount"
	OverviewKeyLicenseUnknownCount = "licenseUnknownCount"
)

// Severity levels reported for security findings.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
)

// SecurityFinding is a single vulnerability reported by a scanner.
type SecurityFinding struct {
	VulnerabilityID string `json:"vulnId"`
	Severity        string `json:"severity"`
	Component       string `json:"component"`
	Version         string `json:"version,omitempty"`
	FixedVersion    string `json:"fixedVersion,omitempty"`
	Title           string `json:"title,omitempty"`
	Description     string `json:"description,omitempty"`
}

// LicenseFinding is a single license detection reported by a scanner.
type LicenseFinding struct {
	LicenseName string `json:"licenseName"`
	Component   string `json:"component"`
	Version     string `json:"version,omitempty"`
	Recommended bool   `json:"recommended"`
	Unknown     bool   `json:"unknown"`
}

// ScannerResult is the raw per-artifact report a worker submits on success.
type ScannerResult struct {
	SecurityResults []SecurityFinding `json:"securityResults"`
	LicenseResults  []LicenseFinding  `json:"licenseResults"`
}

// Normalize deduplicates findings in place. Security findings are keyed by
// vulnerability id plus component, license findings by license name, matching
// how overview counts are expected to add up.
func (r *ScannerResult) Normalize() {
	if len(r.SecurityResults) > 0 {
		seen := make(map[string]struct{}, len(r.SecurityResults))
		out := r.SecurityResults[:0]
		for _, f := range r.SecurityResults {
			key := f.VulnerabilityID + "|" + f.Component
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, f)
		}
		r.SecurityResults = out
	}

	if len(r.LicenseResults) > 0 {
		seen := make(map[string]struct{}, len(r.LicenseResults))
		out := r.LicenseResults[:0]
		for _, f := range r.LicenseResults {
			key := strings.ToLower(f.LicenseName)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, f)
		}
		r.LicenseResults = out
	}
}

// ResultOverview summarizes a scan as named counters.
type ResultOverview map[string]int64

// ConvertOverview reduces a normalized scanner result to its overview counters.
// A nil result yields an empty overview.
func ConvertOverview(result *ScannerResult) ResultOverview {
	overview := ResultOverview{}
	if result == nil {
		return overview
	}

	for _, f := range result.SecurityResults {
		switch strings.ToUpper(f.Severity) {
		case SeverityCritical:
			overview[OverviewKeyCveCriticalCount]++
		case SeverityHigh:
			overview[OverviewKeyCveHighCount]++
		case SeverityMedium:
			overview[OverviewKeyCveMediumCount]++
		case SeverityLow:
			overview[OverviewKeyCveLowCount]++
		}
	}

	if len(result.LicenseResults) > 0 {
		overview[OverviewKeyLicenseTotalCount] = int64(len(result.LicenseResults))
		for _, f := range result.LicenseResults {
			if f.Unknown {
				overview[OverviewKeyLicenseUnknownCount]++
			}
		}
	}

	return overview
}

// Merge adds the counters of other into a copy of o and returns it. Neither
// receiver nor argument is modified.
func (o ResultOverview) Merge(other ResultOverview) ResultOverview {
	merged := make(ResultOverview, len(o)+len(other))
	for k, v := range o {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] += v
	}
	return merged
}

// Get returns the counter for key, zero when absent.
func (o ResultOverview) Get(key string) int64 { return o[key] }
