// Package tagging fuses per-track classifier predictions into canonical
// tags: grading individual predictions, electing a master tag per track,
// and splitting rodent calls by device-local mass thresholds.
package tagging

import (
	"sort"

	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

// Demotion messages recorded on predictions that failed a grading rule.
const (
	MsgLowConfidence = "Low confidence"
	MsgLowClarity    = "Confusion between two classes"
	MsgHighNovelty   = "High novelty"
)

// Grade is the outcome of evaluating one prediction against the thresholds.
type Grade int

const (
	// GradeClear predictions keep their tag.
	GradeClear Grade = iota
	// GradeUnidentified predictions are demoted to "unidentified" with a
	// message explaining why.
	GradeUnidentified
	// GradeIgnored predictions are dropped entirely.
	GradeIgnored
)

// Thresholds are the prediction-grading limits, taken from the pipeline's
// tagging configuration.
type Thresholds struct {
	MinConfidence    float64
	MinTagConfidence float64
	MinTagClarity    float64
	MaxTagNovelty    float64
	IgnoreTags       []string
}

func (t Thresholds) ignores(label string) bool {
	for _, ig := range t.IgnoreTags {
		if ig == label {
			return true
		}
	}
	return false
}

// GradePrediction evaluates the rules in order; the first failure demotes
// the prediction to unidentified and records the reason. Predictions with no
// tag at all, or with an ignored label, are dropped.
func GradePrediction(p *domain.Prediction, th Thresholds) Grade {
	if p.Tag == "" || th.ignores(p.Tag) {
		return GradeIgnored
	}
	switch {
	case p.Confidence < th.MinTagConfidence:
		p.Message = MsgLowConfidence
	case p.Clarity < th.MinTagClarity:
		p.Message = MsgLowClarity
	case p.AverageNovelty > th.MaxTagNovelty:
		p.Message = MsgHighNovelty
	default:
		return GradeClear
	}
	p.Tag = domain.Unidentified
	return GradeUnidentified
}

// GradeTracks grades every prediction of every track and splits the tracks
// into clear (at least one clear prediction) and unclear. Ignored
// predictions are removed from the track. Track confidence is the maximum
// confidence of the remaining predictions.
func GradeTracks(tracks []*domain.Track, th Thresholds) (clear, unclear []*domain.Track) {
	for _, track := range tracks {
		isClear := false
		kept := make([]*domain.Prediction, 0, len(track.Predictions))
		for _, p := range track.Predictions {
			grade := GradePrediction(p, th)
			if grade == GradeIgnored {
				continue
			}
			kept = append(kept, p)
			if grade == GradeClear {
				isClear = true
			}
			if p.Confidence > track.Confidence {
				track.Confidence = p.Confidence
			}
		}
		track.Predictions = kept
		if isClear {
			clear = append(clear, track)
		} else {
			unclear = append(unclear, track)
		}
	}
	return clear, unclear
}

// MultipleAnimalConfidence scores whether the recording shows more than one
// animal at once. Tracks whose master tag is an animal are ordered by start
// time; every pair overlapping by more than one second contributes the
// smaller of the two master confidences, and the recording score is the
// largest such contribution.
func MultipleAnimalConfidence(tracks []*domain.Track) float64 {
	animals := make([]*domain.Track, 0, len(tracks))
	for _, t := range tracks {
		if t.Master == nil {
			continue
		}
		switch t.Master.Tag {
		case "", domain.FalsePositive, domain.Unidentified:
			continue
		}
		animals = append(animals, t)
	}
	sort.SliceStable(animals, func(i, j int) bool {
		return animals[i].StartS < animals[j].StartS
	})

	confidence := 0.0
	for i := 0; i < len(animals); i++ {
		for j := i + 1; j < len(animals); j++ {
			if animals[j].StartS+1 >= animals[i].EndS {
				continue
			}
			pair := animals[i].Master.Confidence
			if animals[j].Master.Confidence < pair {
				pair = animals[j].Master.Confidence
			}
			if pair > confidence {
				confidence = pair
			}
		}
	}
	return confidence
}
