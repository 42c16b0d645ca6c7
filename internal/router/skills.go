package router

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Skill answers a class of requests locally, without an LLM round trip.
type Skill interface {
	// IntentName is the classifier intent this skill serves.
	IntentName() string
	// CanHandle reports whether the skill wants the transcript even when
	// classification missed.
	CanHandle(text string) bool
	// Handle produces the spoken reply.
	Handle(ctx context.Context, text string) (string, error)
}

// SkillSet is an ordered skill registry. Registration order decides which
// skill wins when several can handle a transcript. Read-only after setup.
type SkillSet struct {
	skills []Skill
}

// NewSkillSet returns a registry preloaded with the given skills.
func NewSkillSet(skills ...Skill) *SkillSet {
	return &SkillSet{skills: skills}
}

// Register appends a skill, tried after all earlier ones.
func (s *SkillSet) Register(sk Skill) {
	s.skills = append(s.skills, sk)
}

// ByIntent returns the first skill serving the intent, or nil.
func (s *SkillSet) ByIntent(intent string) Skill {
	if intent == "" {
		return nil
	}
	for _, sk := range s.skills {
		if sk.IntentName() == intent {
			return sk
		}
	}
	return nil
}

// Match returns the first skill whose CanHandle accepts the text, or nil.
func (s *SkillSet) Match(text string) Skill {
	for _, sk := range s.skills {
		if sk.CanHandle(text) {
			return sk
		}
	}
	return nil
}

// Names lists registered skills by intent in registration order.
func (s *SkillSet) Names() []string {
	out := make([]string, len(s.skills))
	for i, sk := range s.skills {
		out[i] = sk.IntentName()
	}
	return out
}

// ClockSkill answers time-of-day questions.
type ClockSkill struct {
	// Now is stubbed in tests. Nil means time.Now.
	Now func() time.Time
}

var _ Skill = (*ClockSkill)(nil)

// clockTriggers are the substrings that make CanHandle accept.
var clockTriggers = []string{"uhrzeit", "wie spät", "wie spaet", "what time", "uhr ist es"}

// IntentName implements [Skill].
func (c *ClockSkill) IntentName() string { return IntentTime }

// CanHandle implements [Skill].
func (c *ClockSkill) CanHandle(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range clockTriggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// Handle implements [Skill].
func (c *ClockSkill) Handle(_ context.Context, _ string) (string, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t := now()
	return fmt.Sprintf("Es ist %d Uhr %d.", t.Hour(), t.Minute()), nil
}
