package progress

import "fmt"

// stepMessages maps (stage, sub-step) to the human-readable message shown to
// polling clients. An explicit custom message on an update overrides these.
var stepMessages = map[string]map[string]string{
	StepFileUpload: {
		"": "Uploading PMS export",
	},
	StepPMSParser: {
		"": "Parsing PMS data",
	},
	StepAdminReview: {
		"": "Awaiting admin approval",
	},
	StepClientReview: {
		"": "Awaiting client approval",
	},
	StepDailyAgents: {
		"": "Running daily analysis agents",
	},
	StepMonthlyAgents: {
		"":                  "Running monthly analysis agents",
		SubStepSummary:      "Generating monthly summary",
		SubStepOpportunity:  "Identifying growth opportunities",
		SubStepCROOptimizer: "Running conversion optimizer",
	},
	StepFinalize: {
		"": "Finalizing results",
	},
}

// MessageFor returns the display message for a (stage, sub-step) pair.
func MessageFor(stage, subStep string) string {
	if byStep, ok := stepMessages[stage]; ok {
		if msg, ok := byStep[subStep]; ok {
			return msg
		}
		if msg, ok := byStep[""]; ok {
			return msg
		}
	}
	return fmt.Sprintf("Processing %s", stage)
}
