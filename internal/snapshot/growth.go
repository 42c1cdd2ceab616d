package snapshot

// Growth is the leveling state derived from a usage count.
type Growth struct {
	Level      int64
	LevelUsage int64
	Stage      Stage
}

// GrowthFor computes level, in-level usage and stage for usage with levels
// of span uses each. Crossing a multiple of span starts the next level at
// StageSeed.
func GrowthFor(usage, span int64) Growth {
	if usage < 0 {
		usage = 0
	}
	if span <= 0 {
		span = DefaultGrowthLevelSpan
	}
	levelUsage := usage % span
	return Growth{
		Level:      usage/span + 1,
		LevelUsage: levelUsage,
		Stage:      stageFor(levelUsage),
	}
}

func stageFor(levelUsage int64) Stage {
	switch {
	case levelUsage >= 25:
		return StageHarvest
	case levelUsage >= 15:
		return StageGrow
	case levelUsage >= 5:
		return StageSprout
	}
	return StageSeed
}
