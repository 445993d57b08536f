package tagging

import (
	"sort"

	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

type modelPrediction struct {
	model      *domain.ModelConfig
	prediction *domain.Prediction
}

// MasterTag elects one canonical (model, prediction) pair for a track from
// the predictions of all models. Submodels substitute their parent when the
// parent's reclassify map routes the parent's tag to them; wallaby-only
// models only participate on wallaby devices. Returns (nil, nil) when no
// prediction survives filtering.
func MasterTag(predictions []*domain.Prediction, models map[int64]*domain.ModelConfig, wallabyDevice bool) (*domain.ModelConfig, *domain.Prediction) {
	var survivors []modelPrediction
	byModel := make(map[int64]modelPrediction)
	for _, p := range predictions {
		if p == nil || p.Tag == "" {
			continue
		}
		model, ok := models[p.ModelID]
		if !ok {
			continue
		}
		if model.Ignores(p.Tag) {
			continue
		}
		if model.Wallaby && !wallabyDevice {
			continue
		}
		mp := modelPrediction{model: model, prediction: p}
		survivors = append(survivors, mp)
		byModel[model.ID] = mp
	}

	// Submodel substitution: a parent whose tag routes to a surviving
	// submodel hands its slot to that submodel. Submodels never stand alone.
	var reduced []modelPrediction
	for _, mp := range survivors {
		if mp.model.Submodel {
			continue
		}
		if mp.model.Reclassify != nil {
			if subID, ok := mp.model.Reclassify[mp.prediction.Tag]; ok {
				if sub, ok := byModel[subID]; ok {
					reduced = append(reduced, sub)
					continue
				}
			}
		}
		reduced = append(reduced, mp)
	}
	if len(reduced) == 0 {
		return nil, nil
	}

	var ranked []modelPrediction
	for _, mp := range reduced {
		if mp.prediction.Tag == domain.Unidentified {
			continue
		}
		if _, ok := mp.model.Score(mp.prediction.Tag); !ok {
			continue
		}
		ranked = append(ranked, mp)
	}
	if len(ranked) == 0 {
		first := reduced[0]
		return first.model, first.prediction
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, _ := ranked[i].model.Score(ranked[i].prediction.Tag)
		sj, _ := ranked[j].model.Score(ranked[j].prediction.Tag)
		return si > sj
	})
	top := ranked[0]
	return top.model, top.prediction
}

// DefaultMaster is the synthesized master prediction for tracks where no
// model produced a usable tag.
func DefaultMaster() *domain.Prediction {
	return &domain.Prediction{Tag: domain.Unidentified, Confidence: 0}
}
