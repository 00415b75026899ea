package main

import (
	"log"
	"os"
	"strings"
)

// Plan is the deployment tier, inferred from total system memory. It only
// gates limits; it is a heuristic, not a resource controller.
type Plan string

const (
	PlanTrial Plan = "trial"
	PlanHobby Plan = "hobby"
	PlanPro   Plan = "pro"
)

type PlanLimits struct {
	// MaxPixelSize caps the max_size request parameter.
	MaxPixelSize int
	// MaxUploadBytes bounds multipart parsing.
	MaxUploadBytes int64
	// MaxBatchImages bounds one /batch request.
	MaxBatchImages int
	// PoolSize is the number of inference sessions per model.
	PoolSize int
}

var planLimits = map[Plan]PlanLimits{
	PlanTrial: {MaxPixelSize: 1000, MaxUploadBytes: 5 << 20, MaxBatchImages: 1, PoolSize: 1},
	PlanHobby: {MaxPixelSize: 1500, MaxUploadBytes: 12 << 20, MaxBatchImages: 3, PoolSize: 2},
	PlanPro:   {MaxPixelSize: 2500, MaxUploadBytes: 25 << 20, MaxBatchImages: 10, PoolSize: 4},
}

// planForMemory maps total system memory to a tier. Railway's hobby
// containers report 8 GiB, so everything below 9 GiB that isn't clearly a
// trial box counts as hobby.
func planForMemory(totalBytes uint64) Plan {
	switch {
	case totalBytes == 0:
		// Unknown (non-Linux or sysinfo failure), assume the middle tier.
		return PlanHobby
	case totalBytes < 2<<30:
		return PlanTrial
	case totalBytes < 9<<30:
		return PlanHobby
	default:
		return PlanPro
	}
}

// DetectPlan resolves the deployment tier. The RAILWAY_PLAN environment
// variable overrides detection for platforms where sysinfo reports the host
// instead of the container.
func DetectPlan() (Plan, PlanLimits) {
	if env := strings.ToLower(os.Getenv("RAILWAY_PLAN")); env != "" {
		plan := Plan(env)
		if limits, ok := planLimits[plan]; ok {
			log.Printf("Plan %q set via RAILWAY_PLAN", plan)
			return plan, limits
		}
		log.Printf("Ignoring unknown RAILWAY_PLAN value %q", env)
	}

	total, _ := systemMemory()
	plan := planForMemory(total)
	log.Printf("Detected plan %q (total memory: %d MiB)", plan, total>>20)
	return plan, planLimits[plan]
}
