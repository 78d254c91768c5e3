package workspace

import (
	"fmt"
	"sort"
	"strings"
)

// RiskLevel grades a proposed workspace change.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ImpactInput feeds the analysis: the diff plus registry knowledge the
// workspace itself cannot see.
type ImpactInput struct {
	Changes []FileChange
	// RegisteredSkills are all skills known to the registry; a change
	// to a shared dependency file affects every one of them.
	RegisteredSkills []string
	// DraftSkills marks skills whose newest version is still draft.
	DraftSkills map[string]bool
	// PermissionChanges counts tool-permission edits detected between
	// skill manifest versions.
	PermissionChanges int
}

// ImpactReport is the structured analysis. It never promotes anything;
// it only informs the decision.
type ImpactReport struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`

	AffectedSkills    []string `json:"affected_skills"`
	DependencyChanged bool     `json:"dependency_changed"`

	PromptDeltaChars int     `json:"prompt_delta_chars"`
	PromptDeltaPct   float64 `json:"prompt_delta_pct"`

	Risk            RiskLevel `json:"risk"`
	RiskScore       int       `json:"risk_score"`
	Recommendations []string  `json:"recommendations"`
}

// dependencyFiles are shared by every skill's prompt; changing one
// counts as a dependency change for all registered skills.
var dependencyFiles = map[string]bool{
	AgentsFile:   true,
	SoulFile:     true,
	IdentityFile: true,
	MemoryFile:   true,
}

// AnalyzeImpact buckets a diff, maps it onto skills, and grades risk.
func AnalyzeImpact(in ImpactInput) *ImpactReport {
	report := &ImpactReport{}
	affected := map[string]bool{}
	var oldTotal, newTotal int

	for _, change := range in.Changes {
		oldTotal += change.OldSize
		newTotal += change.NewSize

		switch change.Status {
		case StatusAdded:
			report.Added = append(report.Added, change.Path)
		case StatusModified:
			report.Modified = append(report.Modified, change.Path)
		case StatusDeleted:
			report.Deleted = append(report.Deleted, change.Path)
		default:
			continue
		}

		if name := skillFromPath(change.Path); name != "" {
			affected[name] = true
		}
		if dependencyFiles[change.Path] {
			report.DependencyChanged = true
		}
	}

	if report.DependencyChanged {
		for _, name := range in.RegisteredSkills {
			affected[name] = true
		}
	}
	for name := range affected {
		report.AffectedSkills = append(report.AffectedSkills, name)
	}
	sort.Strings(report.AffectedSkills)

	report.PromptDeltaChars = newTotal - oldTotal
	if oldTotal > 0 {
		report.PromptDeltaPct = float64(report.PromptDeltaChars) / float64(oldTotal) * 100
	} else if newTotal > 0 {
		report.PromptDeltaPct = 100
	}

	draftAffected := 0
	for _, name := range report.AffectedSkills {
		if in.DraftSkills[name] {
			draftAffected++
		}
	}

	report.RiskScore = riskScore(len(report.AffectedSkills), in.PermissionChanges,
		report.PromptDeltaPct, len(report.Deleted), draftAffected)
	switch {
	case report.RiskScore >= 5:
		report.Risk = RiskHigh
	case report.RiskScore >= 2:
		report.Risk = RiskMedium
	default:
		report.Risk = RiskLow
	}

	report.Recommendations = recommendations(report, in.PermissionChanges, draftAffected)
	return report
}

// riskScore is a bounded rubric; each factor contributes 0-2.
func riskScore(skillsAffected, permissionChanges int, promptDeltaPct float64, deletions, draftAffected int) int {
	score := 0
	switch {
	case skillsAffected >= 5:
		score += 2
	case skillsAffected >= 1:
		score++
	}
	switch {
	case permissionChanges >= 2:
		score += 2
	case permissionChanges == 1:
		score++
	}
	if pct := promptDeltaPct; pct > 25 || pct < -25 {
		score += 2
	} else if pct > 10 || pct < -10 {
		score++
	}
	if deletions > 0 {
		score++
	}
	if draftAffected > 0 {
		score++
	}
	return score
}

func recommendations(r *ImpactReport, permissionChanges, draftAffected int) []string {
	var recs []string
	if r.DependencyChanged {
		recs = append(recs, "shared prompt files changed; re-run tests for all skills before promoting")
	}
	if permissionChanges > 0 {
		recs = append(recs, fmt.Sprintf("%d tool permission change(s); review each skill's permission list", permissionChanges))
	}
	if draftAffected > 0 {
		recs = append(recs, fmt.Sprintf("%d affected skill(s) still in draft; promote or exclude them first", draftAffected))
	}
	if len(r.Deleted) > 0 {
		recs = append(recs, "files were deleted; verify nothing references them before promoting")
	}
	if r.PromptDeltaPct > 25 {
		recs = append(recs, "prompt size grew more than 25%; check the context budget for every role")
	}
	if len(recs) == 0 {
		recs = append(recs, "low-impact change; safe to promote through the standard chain")
	}
	return recs
}

// skillFromPath extracts the skill name from skills/<name>/SKILL.md or
// skills/<name>.<ext> paths.
func skillFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, SkillsDir+"/")
	if !ok {
		return ""
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	if idx := strings.LastIndexByte(rest, '.'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
