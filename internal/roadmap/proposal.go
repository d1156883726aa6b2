package roadmap

import (
	"regexp"
	"strconv"
	"strings"
)

// Priority is the closed proposal-priority enumeration.
type Priority string

const (
	Critical Priority = "CRITICAL"
	High     Priority = "HIGH"
	Medium   Priority = "MEDIUM"
	Low      Priority = "LOW"
)

// Proposal is one feature idea surfaced during ideation.
type Proposal struct {
	ID                string
	Title             string
	Description       string
	ValueProposition  string
	Complexity        int
	Priority          Priority
	Dependencies      []string
	SuccessMetrics    []string
	EstimatedEffort   string
	Category          string
	Provider          string
}

// Critique is cross-provider feedback on one proposal (ideation phase b).
type Critique struct {
	ProposalID  string
	Strengths   []string
	Weaknesses  []string
	Feasibility float64
	Value       float64
	Overlaps    []string
	Conflicts   []string
	Suggestions []string
}

// Phase is a named grouping of proposal ids produced by dialectical
// synthesis (ideation phase c) and refined after validation.
type Phase struct {
	Name        string
	ProposalIDs []string
}

// Decision is the closed validation-outcome enumeration.
type Decision string

const (
	Approved             Decision = "APPROVED"
	ApprovedWithChanges  Decision = "APPROVED_WITH_CHANGES"
	NeedsRevision        Decision = "NEEDS_REVISION"
	Rejected             Decision = "REJECTED"
)

// Validation is the final per-proposal verdict (validation phase synthesis).
type Validation struct {
	ProposalID string
	Decision   Decision
	Confidence float64
	Strengths  []string
	Concerns   []string
	Risks      []string
	Suggestions []string
}

var sectionRe = regexp.MustCompile(`(?m)^([A-Z_]+):\s*(.*)$`)

// parseProposals splits a raw ALL-strategy ideation response on "---"
// delimiters and extracts one Proposal per block.
func parseProposals(provider, text string) []Proposal {
	var out []Proposal
	blocks := strings.Split(text, "---")
	for i, block := range blocks {
		fields := extractFields(block)
		title := fields["TITLE"]
		if title == "" {
			continue
		}
		p := Proposal{
			ID:               provider + "-" + strconv.Itoa(i),
			Title:            title,
			Description:      fields["DESCRIPTION"],
			ValueProposition: fields["VALUE"],
			Complexity:       atoiDefault(fields["COMPLEXITY"], 5),
			Priority:         parsePriority(fields["PRIORITY"]),
			Dependencies:     splitList(fields["DEPENDENCIES"]),
			SuccessMetrics:   splitList(fields["METRICS"]),
			EstimatedEffort:  fields["EFFORT"],
			Category:         strings.ToLower(strings.TrimSpace(fields["CATEGORY"])),
			Provider:         provider,
		}
		out = append(out, p)
	}
	return out
}

func extractFields(block string) map[string]string {
	fields := make(map[string]string)
	matches := sectionRe.FindAllStringSubmatchIndex(block, -1)
	for i, m := range matches {
		key := block[m[2]:m[3]]
		valStart := m[1]
		valEnd := len(block)
		if i+1 < len(matches) {
			valEnd = matches[i+1][0]
		}
		val := strings.TrimSpace(block[valStart:valEnd])
		fields[key] = val
	}
	return fields
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func parsePriority(s string) Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return Critical
	case "HIGH":
		return High
	case "LOW":
		return Low
	default:
		return Medium
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return f
}

func parseDecision(s string) Decision {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPROVED":
		return Approved
	case "APPROVED_WITH_CHANGES":
		return ApprovedWithChanges
	case "REJECTED":
		return Rejected
	default:
		return NeedsRevision
	}
}

// parseCritiques extracts one Critique per "---"-delimited block; each
// block must carry a PROPOSAL_ID field matching a Proposal.ID.
func parseCritiques(text string) []Critique {
	var out []Critique
	for _, block := range strings.Split(text, "---") {
		fields := extractFields(block)
		id := strings.TrimSpace(fields["PROPOSAL_ID"])
		if id == "" {
			continue
		}
		out = append(out, Critique{
			ProposalID:  id,
			Strengths:   splitList(fields["STRENGTHS"]),
			Weaknesses:  splitList(fields["WEAKNESSES"]),
			Feasibility: parseFloat(fields["FEASIBILITY"], 0.5),
			Value:       parseFloat(fields["VALUE"], 0.5),
			Overlaps:    splitList(fields["OVERLAPS"]),
			Conflicts:   splitList(fields["CONFLICTS"]),
			Suggestions: splitList(fields["SUGGESTIONS"]),
		})
	}
	return out
}

// parsePhases extracts named phases from a dialectical synthesis response,
// one phase per "---"-delimited block carrying PHASE and PROPOSAL_IDS.
func parsePhases(text string) []Phase {
	var out []Phase
	for _, block := range strings.Split(text, "---") {
		fields := extractFields(block)
		name := strings.TrimSpace(fields["PHASE"])
		if name == "" {
			continue
		}
		out = append(out, Phase{Name: name, ProposalIDs: splitList(fields["PROPOSAL_IDS"])})
	}
	return out
}

// parseValidations extracts one Validation per "---"-delimited block.
func parseValidations(text string) []Validation {
	var out []Validation
	for _, block := range strings.Split(text, "---") {
		fields := extractFields(block)
		id := strings.TrimSpace(fields["PROPOSAL_ID"])
		if id == "" {
			continue
		}
		out = append(out, Validation{
			ProposalID:  id,
			Decision:    parseDecision(fields["DECISION"]),
			Confidence:  parseFloat(fields["CONFIDENCE"], 0.5),
			Strengths:   splitList(fields["STRENGTHS"]),
			Concerns:    splitList(fields["CONCERNS"]),
			Risks:       splitList(fields["RISKS"]),
			Suggestions: splitList(fields["SUGGESTIONS"]),
		})
	}
	return out
}
