package jobs

import (
	"time"

	"github.com/plurapp/ai-engine/internal/domain/job"
)

// Credit costs per job type. Magic posts are priced per image with a bundle
// discount when exactly three are requested.
const (
	costRitual        int64 = 50
	costMagicPerImage int64 = 10
	costMagicBundle   int64 = 25
	costSummary       int64 = 5
)

// Cost computes the credit cost of a submission. Chat is free.
func Cost(t job.Type, p job.Params) int64 {
	switch t {
	case job.TypeRitual:
		return costRitual
	case job.TypeMagicPost:
		count := p.ImageCount
		if count < 1 {
			count = 1
		}
		if count == 3 {
			return costMagicBundle
		}
		return int64(count) * costMagicPerImage
	case job.TypeChat:
		return 0
	case job.TypeSummary:
		return costSummary
	}
	return 0
}

// Limits bounds what a single user can have in flight.
type Limits struct {
	// MaxActiveJobs caps queued plus running jobs per owner.
	MaxActiveJobs int `yaml:"max_active_jobs"`
	// MaxAttempts bounds executions per job, the first run included.
	MaxAttempts int `yaml:"max_attempts"`
	// Cooldowns is the per-type minimum interval between submissions.
	Cooldowns map[job.Type]time.Duration `yaml:"cooldowns"`
}

// DefaultLimits mirrors the production configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxActiveJobs: 3,
		MaxAttempts:   3,
		Cooldowns: map[job.Type]time.Duration{
			job.TypeRitual:    5 * time.Minute,
			job.TypeMagicPost: 30 * time.Second,
			job.TypeChat:      2 * time.Second,
			job.TypeSummary:   10 * time.Second,
		},
	}
}
