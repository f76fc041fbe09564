package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

func TestToClassificationResult_ValidCategoryPasses(t *testing.T) {
	raw := rawResult{
		Category:   "New Order",
		Summary:    "Company secured a new order.",
		Sentiment:  "Positive",
	}
	result, err := toClassificationResult(raw, "Receipt of Order")
	require.NoError(t, err)
	assert.Equal(t, "New Order", result.Category)
	assert.Equal(t, domain.SentimentPositive, result.Sentiment)
	assert.Equal(t, "Receipt of Order", result.Headline)
}

func TestToClassificationResult_RejectsEmptyCategory(t *testing.T) {
	_, err := toClassificationResult(rawResult{Category: ""}, "h")
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestToClassificationResult_RejectsLiteralErrorCategory(t *testing.T) {
	_, err := toClassificationResult(rawResult{Category: "Error"}, "h")
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestToClassificationResult_RejectsCategoryOutsideClosedEnum(t *testing.T) {
	_, err := toClassificationResult(rawResult{Category: "Not A Real Category"}, "h")
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestToClassificationResult_CarriesFinDataAndInvestors(t *testing.T) {
	raw := rawResult{
		Category:               "Financial Results",
		Summary:                "Q1 results declared.",
		Sentiment:              "Neutral",
		IndividualInvestorList: []string{"Jane Doe"},
		CompanyInvestorList:    []string{"Acme Capital"},
		FinData: &domain.FinData{
			Period:       "Q1FY25",
			SalesCurrent: "1,234",
		},
	}
	result, err := toClassificationResult(raw, "Q1 Results")
	require.NoError(t, err)
	require.NotNil(t, result.FinData)
	assert.Equal(t, "Q1FY25", result.FinData.Period)
	assert.Equal(t, []string{"Jane Doe"}, result.IndividualInvestorList)
	assert.Equal(t, []string{"Acme Capital"}, result.CompanyInvestorList)
}
