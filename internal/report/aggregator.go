// Package report fuses connector evidence and rule outcomes into the final
// per-provider report.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/verifact/provider-validator/internal/domain"
)

// criticalFields fail the whole report when invalid.
var criticalFields = map[string]bool{
	"identifier":     true,
	"license_number": true,
	"family_name":    true,
}

type candidate struct {
	source     domain.TaskType
	value      string
	confidence float64
	status     domain.FieldStatus
	fromRule   bool
}

// Aggregator builds ProviderReports. Confidence math is full precision;
// rounding happens only on export.
type Aggregator struct {
	now func() time.Time
}

// NewAggregator constructs an Aggregator.
func NewAggregator() *Aggregator { return &Aggregator{now: time.Now} }

// Aggregate fuses the evidence and rule results for one provider. started
// is when the provider's first task was enqueued; it bounds ProcessingTime.
func (a *Aggregator) Aggregate(p domain.Provider, results []domain.WorkerTaskResult, vrs []domain.ValidationResult, opts domain.ValidationOptions, started time.Time) domain.ProviderReport {
	byField := make(map[string][]candidate)
	flagSet := make(map[string]bool)

	for _, vr := range vrs {
		byField[vr.FieldName] = append(byField[vr.FieldName], candidate{
			source:     vr.Source,
			value:      vr.Value,
			confidence: vr.Confidence,
			status:     vr.Status,
			fromRule:   true,
		})
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
			for _, f := range r.Flags {
				if f == "robot_detected" {
					flagSet["ROBOT_DETECTED:"+string(r.TaskType)] = true
				}
			}
			continue
		}
		for field, value := range r.NormalizedFields {
			if hasRuleCandidate(byField[field]) {
				continue
			}
			conf := r.FieldConfidence[field]
			status := domain.FieldValid
			if conf == 0 {
				status = domain.FieldUnknown
			}
			byField[field] = append(byField[field], candidate{
				source:     r.TaskType,
				value:      value,
				confidence: conf,
				status:     status,
			})
		}
	}

	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	summaries := make(map[string]domain.FieldSummary, len(fields))
	aggregated := make(map[string]string, len(fields))
	var confSum float64
	var confCount int
	for _, field := range fields {
		cands := byField[field]
		winner := pickWinner(cands)
		for _, c := range cands {
			if c.value != winner.value && c.value != "" && winner.value != "" {
				flagSet[fmt.Sprintf("DISAGREEMENT:%s:%s", field, c.source)] = true
			}
		}
		summary := domain.FieldSummary{
			FieldName:           field,
			AgreedValue:         winner.value,
			Confidence:          fuseConfidence(cands),
			Status:              fuseStatus(cands),
			ContributingSources: sourceNames(cands),
			ValidationCount:     ruleCount(cands),
		}
		summaries[field] = summary
		if winner.value != "" {
			aggregated[field] = winner.value
		}
		confSum += summary.Confidence
		confCount++
	}

	overall := 0.0
	if confCount > 0 {
		overall = confSum / float64(confCount)
	}

	addVerdictFlags(flagSet, p, summaries, results, failed)

	status := verdict(summaries, overall, opts.ConfidenceThreshold)

	rep := domain.ProviderReport{
		ProviderID:          p.ProviderID,
		JobID:               jobIDOf(results),
		OverallConfidence:   overall,
		ValidationStatus:    status,
		FieldSummaries:      summaries,
		AggregatedFields:    aggregated,
		Flags:               sortedFlags(flagSet),
		ValidationTimestamp: a.now().UTC(),
	}
	if !started.IsZero() {
		rep.ProcessingTime = rep.ValidationTimestamp.Sub(started)
	}
	return rep
}

func jobIDOf(results []domain.WorkerTaskResult) string {
	if len(results) > 0 {
		return results[0].JobID
	}
	return ""
}

func hasRuleCandidate(cands []candidate) bool {
	for _, c := range cands {
		if c.fromRule {
			return true
		}
	}
	return false
}

// pickWinner tie-breaks disagreeing sources: higher declared weight wins,
// then higher confidence, then the lexicographically smaller value.
func pickWinner(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		bw, cw := domain.SourceWeights[best.source], domain.SourceWeights[c.source]
		switch {
		case cw > bw:
			best = c
		case cw < bw:
		case c.confidence > best.confidence:
			best = c
		case c.confidence < best.confidence:
		case c.value != "" && (best.value == "" || c.value < best.value):
			best = c
		}
	}
	return best
}

// fuseConfidence is the weighted mean over contributing sources,
// normalized by the sum of the weights actually present.
func fuseConfidence(cands []candidate) float64 {
	var num, den float64
	for _, c := range cands {
		w := domain.SourceWeights[c.source]
		num += w * c.confidence
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func fuseStatus(cands []candidate) domain.FieldStatus {
	worst := domain.FieldUnknown
	for _, c := range cands {
		switch c.status {
		case domain.FieldInvalid:
			return domain.FieldInvalid
		case domain.FieldWarning:
			worst = domain.FieldWarning
		case domain.FieldValid:
			if worst == domain.FieldUnknown {
				worst = domain.FieldValid
			}
		}
	}
	return worst
}

func sourceNames(cands []candidate) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range cands {
		s := string(c.source)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func ruleCount(cands []candidate) int {
	n := 0
	for _, c := range cands {
		if c.fromRule {
			n++
		}
	}
	return n
}

func addVerdictFlags(flags map[string]bool, p domain.Provider, summaries map[string]domain.FieldSummary, results []domain.WorkerTaskResult, failed int) {
	if p.Identifier == "" {
		flags["MISSING_IDENTIFIER"] = true
	}
	for _, r := range results {
		if r.TaskType != domain.TaskLicenseVerify || !r.Success {
			continue
		}
		switch r.SourceMetadata["license_status"] {
		case "suspended":
			flags["LICENSE_SUSPENDED"] = true
		case "revoked":
			flags["LICENSE_REVOKED"] = true
		case "expired":
			flags["LICENSE_EXPIRED"] = true
		}
	}
	for _, field := range []string{"phone_primary", "phone_alt"} {
		if s, ok := summaries[field]; ok && s.Status == domain.FieldInvalid {
			flags["PHONE_INVALID"] = true
		}
	}
	if s, ok := summaries["address_street"]; ok && s.Status == domain.FieldWarning {
		flags["ADDRESS_LOW_ACCURACY"] = true
	}
	for _, field := range []string{"given_name", "family_name"} {
		if s, ok := summaries[field]; ok && s.Status == domain.FieldInvalid {
			flags["NAME_MISMATCH"] = true
		}
	}
	if failed > 0 {
		flags[fmt.Sprintf("FAILED_VALIDATIONS:%d", failed)] = true
	}
}

// verdict applies the report status ladder: any invalid critical field
// makes the report invalid; any warning field or a confidence below the
// threshold makes it a warning; otherwise it is valid.
func verdict(summaries map[string]domain.FieldSummary, overall, threshold float64) domain.ReportStatus {
	for field, s := range summaries {
		if criticalFields[field] && s.Status == domain.FieldInvalid {
			return domain.ReportInvalid
		}
	}
	for _, s := range summaries {
		if s.Status == domain.FieldWarning || s.Status == domain.FieldInvalid {
			return domain.ReportWarning
		}
	}
	if overall < threshold {
		return domain.ReportWarning
	}
	return domain.ReportValid
}

func sortedFlags(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Round4 rounds a confidence for export. Internal math stays full
// precision.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// FlagsContain reports whether flags holds a code with the given prefix.
func FlagsContain(flags []string, prefix string) bool {
	for _, f := range flags {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}
