package poreflow

// IntraCusumFitter fits sublevels like CusumFitter and additionally counts how
// often the rectified current crosses the intraevent threshold, with
// hysteresis, inside the padded event.
type IntraCusumFitter struct {
	CusumFitter
}

func NewIntraCusumFitter(settings CusumSettings) (*IntraCusumFitter, error) {
	cusum, err := NewCusumFitter(settings)
	if err != nil {
		return nil, err
	}
	return &IntraCusumFitter{CusumFitter: *cusum}, nil
}

func (f *IntraCusumFitter) Name() string {
	return "intracusum"
}

func (f *IntraCusumFitter) Metadata(in FitInput, fit SublevelDecomposition) (EventMetadata, SublevelMetadata, error) {
	event, sub, err := f.CusumFitter.Metadata(in, fit)
	if err != nil {
		return nil, nil, err
	}
	polarity := sign(in.BaselineMean)
	if polarity == 0 {
		polarity = sign(sub["sublevel_current"][0])
	}
	event["threshold_crossings"] = float64(countCrossings(in.Data, polarity, sub["sublevel_current"][0], f.Settings.IntraeventThreshold, f.Settings.IntraeventHysteresis))
	return event, sub, nil
}

// countCrossings counts transitions below open-threshold and back above
// open-(threshold-hysteresis), where open is the first level current.
func countCrossings(data []float64, polarity, open, threshold, hysteresis float64) int {
	down := polarity*open - threshold
	up := polarity*open - (threshold - hysteresis)
	below := false
	crossings := 0
	for _, x := range data {
		switch {
		case !below && polarity*x < down:
			below = true
			crossings++
		case below && polarity*x > up:
			below = false
			crossings++
		}
	}
	return crossings
}
