package metrics

import "math"

const (
	curveTimeConstant = 15.0
	maeStart          = 5.0
	rmseStart         = 7.0
	chaosScale        = 0.5

	MAEFloor  = 0.5
	RMSEFloor = 1.0
)

// CurvePoint is the synthetic learning progress reported for one training epoch.
type CurvePoint struct {
	Epoch    int     `json:"epoch"`
	Progress float64 `json:"progress"`
	// RawMAE is the unfloored error used to scale prediction spread.
	RawMAE float64 `json:"raw_mae"`
	MAE    float64 `json:"mae"`
	RMSE   float64 `json:"rmse"`
}

// TrainingCurve derives the epoch's metrics. u is a uniform variate in [0,1)
// driving the chaos term, which shrinks as progress approaches one.
func TrainingCurve(epoch int, u float64) CurvePoint {
	progress := 1 - math.Exp(-float64(epoch)/curveTimeConstant)
	chaos := u * chaosScale * (1 - progress)
	mae := maeStart*(1-progress) + chaos
	rmse := rmseStart*(1-progress) + chaos
	return CurvePoint{
		Epoch:    epoch,
		Progress: progress,
		RawMAE:   mae,
		MAE:      math.Max(MAEFloor, mae),
		RMSE:     math.Max(RMSEFloor, rmse),
	}
}
