package pipeline

import (
	"time"

	"github.com/andresmejia3/cranalytics/internal/types"
	"github.com/andresmejia3/cranalytics/internal/video"
)

// ResultView is one classified face as shown to callers.
type ResultView struct {
	Ordinal  int     `json:"ordinal"`
	Image    string  `json:"image"` // data URL
	ModelA   string  `json:"model_a"`
	ModelB   string  `json:"model_b"`
	Position float64 `json:"position"` // seconds into the video
}

func viewOf(res types.ClassificationResult) ResultView {
	return ResultView{
		Ordinal:  res.Crop.Ordinal,
		Image:    res.Crop.DataURL(),
		ModelA:   res.Prediction.ModelA,
		ModelB:   res.Prediction.ModelB,
		Position: res.Crop.Position.Seconds(),
	}
}

// State is an immutable snapshot of the machine.
type State struct {
	RunID     string          `json:"run_id,omitempty"`
	Epoch     uint64          `json:"epoch"`
	Phase     types.Phase     `json:"phase"`
	Progress  int             `json:"progress"`
	Captured  int             `json:"captured"`
	Results   []ResultView    `json:"results"`
	Failed    int             `json:"failed"`
	Source    *video.FileInfo `json:"source,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
}
