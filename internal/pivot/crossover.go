package pivot

// Level names a rung of the daily ladder.
type Level string

const (
	LevelS3    Level = "s3"
	LevelS2    Level = "s2"
	LevelS1    Level = "s1"
	LevelPivot Level = "pivot"
	LevelR1    Level = "r1"
	LevelR2    Level = "r2"
	LevelR3    Level = "r3"
)

// Crossover reports a bar freshly crossing a ladder level upward. Target is
// the next level up, which the strategy uses as its profit objective. A
// crossing of R3 has no level above it and is flagged NoEntry.
type Crossover struct {
	Level   Level
	Price   float64
	Target  float64
	NoEntry bool
}

type rung struct {
	level  Level
	price  float64
	target float64
}

func (l Ladder) rungs() [7]rung {
	return [7]rung{
		{LevelS3, l.S3, l.S2},
		{LevelS2, l.S2, l.S1},
		{LevelS1, l.S1, l.Pivot},
		{LevelPivot, l.Pivot, l.R1},
		{LevelR1, l.R1, l.R2},
		{LevelR2, l.R2, l.R3},
		{LevelR3, l.R3, 0},
	}
}

// DetectCrossover scans the ladder from S3 upward and reports the first level
// the bar crossed, either within the bar (open at or below the level, close
// above) or as a jump from the previous bar's close. Only the lowest matching
// level is reported; a bar can jump a level inside one minute, which is why
// the previous close clause exists. prevClose is nil for the first bar of a
// session.
func DetectCrossover(l Ladder, open, close float64, prevClose *float64) (Crossover, bool) {
	for _, r := range l.rungs() {
		withinBar := open <= r.price && close > r.price
		jumped := prevClose != nil && *prevClose < r.price && close > r.price
		if withinBar || jumped {
			return Crossover{
				Level:   r.level,
				Price:   r.price,
				Target:  r.target,
				NoEntry: r.level == LevelR3,
			}, true
		}
	}
	return Crossover{}, false
}

// QuarterMark is the arming threshold: a quarter of the distance from the
// crossed level toward the target.
func QuarterMark(level, target float64) float64 {
	return level + (target-level)/4
}
