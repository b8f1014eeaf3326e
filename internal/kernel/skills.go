package kernel

import (
	"context"
	"sort"
	"strings"
)

// SkillDescriptor is one skill available for activation: its trust tier (for
// the tool-attenuation invariant in tool.go), the keywords the default
// prefilter scores against, and whether its content is private-memory (never
// shown in a group chat, regardless of score).
type SkillDescriptor struct {
	Name          string
	Version       string
	Trust         SkillTrust
	Keywords      []string
	Content       string
	ToolPatterns  []string
	PrivateMemory bool
}

// KeywordSkillPrefilter is the grounded default SkillPrefilter: it scores
// every registered skill by counting case-insensitive keyword hits against
// the user's message, keeps only skills that scored at least once, and stops
// adding skills once their accumulated content would exceed tokenBudget
// (approximated as one token per four characters, the rough rule of thumb
// the teacher's own context packer uses elsewhere in this tree).
//
// The spec leaves the scoring algorithm itself as an open question; this is
// a reasonable default that composes cleanly with Attenuated's trust rules,
// not a claim that it's the only valid one - see DESIGN.md.
type KeywordSkillPrefilter struct {
	Skills []SkillDescriptor
}

func NewKeywordSkillPrefilter(skills []SkillDescriptor) *KeywordSkillPrefilter {
	return &KeywordSkillPrefilter{Skills: skills}
}

type scoredSkill struct {
	descriptor SkillDescriptor
	score      int
}

// SelectSkills implements SkillPrefilter.
func (p *KeywordSkillPrefilter) SelectSkills(ctx context.Context, userInput string, isGroupChat bool, tokenBudget int) []ActiveSkill {
	lowerInput := strings.ToLower(userInput)

	var candidates []scoredSkill
	for _, s := range p.Skills {
		if isGroupChat && s.PrivateMemory {
			continue
		}
		score := 0
		for _, kw := range s.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			score += strings.Count(lowerInput, kw)
		}
		if score > 0 {
			candidates = append(candidates, scoredSkill{descriptor: s, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if tokenBudget <= 0 {
		tokenBudget = 4096
	}
	budgetChars := tokenBudget * 4

	var out []ActiveSkill
	used := 0
	for _, c := range candidates {
		contentLen := len(c.descriptor.Content)
		if used+contentLen > budgetChars && used > 0 {
			break
		}
		used += contentLen
		out = append(out, ActiveSkill{
			Name:         c.descriptor.Name,
			Version:      c.descriptor.Version,
			Trust:        c.descriptor.Trust,
			Content:      c.descriptor.Content,
			ToolPatterns: c.descriptor.ToolPatterns,
		})
	}
	return out
}

// IdentitySection is one piece of workspace identity/profile content folded
// into the base system prompt ahead of any active-skill blocks.
type IdentitySection struct {
	Label   string
	Content string
}

// buildIdentityPreamble renders the workspace identity sections the way
// gateway's buildSystemPrompt renders its own WorkspaceSections: one
// "Label:\ncontent" paragraph per non-empty section, in order.
func buildIdentityPreamble(sections []IdentitySection) string {
	var lines []string
	for _, s := range sections {
		label := strings.TrimSpace(s.Label)
		content := strings.TrimSpace(s.Content)
		if label == "" || content == "" {
			continue
		}
		lines = append(lines, label+":\n"+content)
	}
	return strings.Join(lines, "\n\n")
}
