package blackbox

// Predictor identifies the baseline a field's decoded delta is added to.
// Numeric values are the firmware's own identifiers from the log header.
type Predictor uint8

const (
	PredictorZero         Predictor = 0
	PredictorPrevious     Predictor = 1
	PredictorStraightLine Predictor = 2
	PredictorAverage2     Predictor = 3
	PredictorMinThrottle  Predictor = 4
	PredictorMotor0       Predictor = 5
	PredictorIncrement    Predictor = 6
	PredictorHomeCoord    Predictor = 7
	PredictorServoCenter  Predictor = 8
	PredictorVBatRef      Predictor = 9
)

const servoCenterValue = 1500

func (p Predictor) valid() bool {
	return p <= PredictorVBatRef
}

// predictorContext carries the state a predictor baseline may draw on:
// history of the two preceding main frames, partially decoded current frame,
// header constants and GPS home position.
type predictorContext struct {
	header *Header

	// previous and previous2 are the main-frame history (nil before the
	// first intra frame).
	previous  []int64
	previous2 []int64

	// current is the frame being decoded; fields before index i are final.
	current []int64

	motor0Index int // index of motor[0] in the main frame, -1 if absent

	homeCoords [2]int64
	// homeIndex maps a field index to the home coordinate it offsets from,
	// derived from the field name's array subscript.
	homeIndex []int
}

// apply returns the final field value for the decoded raw delta at field
// index i.
func (ctx *predictorContext) apply(p Predictor, i int, raw int64) int64 {
	switch p {
	case PredictorZero:
		return raw

	case PredictorPrevious:
		if ctx.previous == nil {
			return raw
		}
		return raw + ctx.previous[i]

	case PredictorStraightLine:
		if ctx.previous == nil {
			return raw
		}
		if ctx.previous2 == nil {
			return raw + ctx.previous[i]
		}
		return raw + 2*ctx.previous[i] - ctx.previous2[i]

	case PredictorAverage2:
		if ctx.previous == nil {
			return raw
		}
		if ctx.previous2 == nil {
			return raw + ctx.previous[i]
		}
		return raw + (ctx.previous[i]+ctx.previous2[i])/2

	case PredictorMinThrottle:
		return raw + int64(ctx.header.MinThrottle)

	case PredictorMotor0:
		if ctx.motor0Index < 0 || ctx.motor0Index >= i {
			return raw
		}
		return raw + ctx.current[ctx.motor0Index]

	case PredictorIncrement:
		if ctx.previous == nil {
			return raw
		}
		return raw + ctx.previous[i] + 1

	case PredictorHomeCoord:
		coord := 0
		if ctx.homeIndex != nil && i < len(ctx.homeIndex) {
			coord = ctx.homeIndex[i]
		}
		return raw + ctx.homeCoords[coord]

	case PredictorServoCenter:
		return raw + servoCenterValue

	case PredictorVBatRef:
		return raw + int64(ctx.header.VBatRef)
	}

	return raw
}
