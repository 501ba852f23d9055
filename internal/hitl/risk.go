package hitl

import (
	"conductor/internal/task"
)

// ScoreRisk computes the integer risk score for a finished task together
// with its factor breakdown. historyPenalty comes from the failure history
// store and is clamped to [0, 3].
func ScoreRisk(def task.Definition, qa task.QAVerdict, historyPenalty int) (int, []Factor) {
	var factors []Factor
	add := func(name string, points int) {
		if points > 0 {
			factors = append(factors, Factor{Name: name, Points: points})
		}
	}

	add("risk_tier", def.Risk.Weight())
	if def.TouchesInfra {
		add("touches_infrastructure", 3)
	}
	if def.TouchesProduction {
		add("touches_production", 4)
	}
	add("qa_severity", qa.SeverityWeight())

	if historyPenalty < 0 {
		historyPenalty = 0
	}
	if historyPenalty > 3 {
		historyPenalty = 3
	}
	add("failure_history", historyPenalty)

	total := 0
	for _, f := range factors {
		total += f.Points
	}
	return total, factors
}
