package orchestrator

import (
	"fmt"

	"github.com/pep299/daily-digest/internal/model"
)

var allowedTransitions = map[model.Stage]map[model.Stage]struct{}{
	model.StagePending: {
		model.StageIngesting: {},
		model.StageFailed:    {},
	},
	model.StageIngesting: {
		model.StageDeduping: {},
		model.StageFailed:   {},
	},
	model.StageDeduping: {
		model.StageRanking: {},
		model.StageFailed:  {},
	},
	model.StageRanking: {
		model.StageSummarizing: {},
		model.StageFailed:      {},
	},
	model.StageSummarizing: {
		model.StageComposing: {},
		model.StageFailed:    {},
	},
	model.StageComposing: {
		model.StageDelivering: {},
		model.StageFailed:     {},
	},
	model.StageDelivering: {
		model.StageCompleted: {},
		model.StageFailed:    {},
	},
	// A failed run that never attempted delivery may be claimed again.
	model.StageFailed: {
		model.StagePending: {},
	},
	model.StageCompleted: {},
}

var nextStage = map[model.Stage]model.Stage{
	model.StagePending:     model.StageIngesting,
	model.StageIngesting:   model.StageDeduping,
	model.StageDeduping:    model.StageRanking,
	model.StageRanking:     model.StageSummarizing,
	model.StageSummarizing: model.StageComposing,
	model.StageComposing:   model.StageDelivering,
	model.StageDelivering:  model.StageCompleted,
}

func ValidateStage(stage model.Stage) error {
	if _, ok := allowedTransitions[stage]; !ok {
		return fmt.Errorf("invalid run stage: %q", stage)
	}
	return nil
}

func ValidateTransition(from, to model.Stage) error {
	if err := ValidateStage(from); err != nil {
		return err
	}
	if err := ValidateStage(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}
