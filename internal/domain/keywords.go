package domain

import "strings"

// negativeKeywords short-circuits classification to
// CategoryProceduralAdministrative when any substring matches the raw
// headline, unless a specialKeyword also matches (see ShouldShortCircuit).
var negativeKeywords = []string{
	"Trading Window", "Compliance Report", "Advertisement(s)", "Advertisement",
	"Public Announcement", "Share Certificate(s)", "Share Certificate",
	"Depositories and Participants", "Depository and Participant",
	"Depository and Participants", "74(5)", "XBRL", "Newspaper Publication",
	"Published in the Newspapers", "Clippings", "Book Closure",
	"Change in Company Secretary/Compliance Officer", "Record Date",
	"Code of Conduct", "Cessation", "Deviation", "Declared Interim Dividend",
	"IEPF", "Investor Education", "Registrar & Share Transfer Agent",
	"Registrar and Share Transfer Agent", "Scrutinizers report",
	"Utilisation of Funds", "Postal Ballot", "Defaults on Payment of Interest",
	"Sustainability Report", "Sustainability Reporting", "Trading Plan",
	"Letter of Confirmation", "Forfeiture/Cancellation", "Price movement",
	"Spurt", "Grievance Redressal", "Monitoring Agency", "Regulation 57",
}

// specialKeywords override a negative-keyword match: if one of these is
// present the headline proceeds to normal classification regardless of any
// negative keyword also present.
var specialKeywords = []string{
	"Board", "Outcome", "General Updates",
}

const shortCircuitSummary = "Please refer to the original document provided."

// ShouldShortCircuit reports whether headline should bypass the Classifier
// entirely and be recorded as CategoryProceduralAdministrative. A
// special-keyword match always wins over a negative-keyword match.
func ShouldShortCircuit(headline string) bool {
	lower := strings.ToLower(headline)
	for _, kw := range specialKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ShortCircuitResult builds the placeholder classification used when
// ShouldShortCircuit reports true.
func ShortCircuitResult(headline string) ClassificationResult {
	return ClassificationResult{
		Category:  CategoryProceduralAdministrative,
		Headline:  headline,
		Summary:   shortCircuitSummary,
		Sentiment: SentimentNeutral,
	}
}
