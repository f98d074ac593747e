package types

// Feature names a credit-consuming action.
type Feature string

const (
	FeatureResumeGeneration      Feature = "resume_generation"
	FeatureCoverLetterGeneration Feature = "cover_letter_generation"
	FeatureResumeOptimization    Feature = "resume_optimization"
	FeatureAISuggestion          Feature = "ai_suggestion"
	FeatureJobMatchAnalysis      Feature = "job_match_analysis"
)

var Features = []Feature{
	FeatureResumeGeneration,
	FeatureCoverLetterGeneration,
	FeatureResumeOptimization,
	FeatureAISuggestion,
	FeatureJobMatchAnalysis,
}

func (f Feature) Valid() bool {
	for _, known := range Features {
		if f == known {
			return true
		}
	}
	return false
}
