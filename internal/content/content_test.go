package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

func TestLoadEmbedded(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "💬 Retirement Advisor", c.Title)
	assert.Equal(t, "Thank you for providing your information!", c.CollectInfo.Success)
	assert.Contains(t, c.Acknowledgement(domain.FeedbackCompliments), "compliments to our colleague")
	assert.Contains(t, c.Acknowledgement(domain.FeedbackComplaints), "We apologise")
	assert.Equal(t, "Very Dissatisfied", c.RatingLabel(1))
	assert.Equal(t, "Very Satisfied", c.RatingLabel(5))
	assert.Empty(t, c.RatingLabel(0))
	assert.Empty(t, c.RatingLabel(6))
}

func TestDataSourceTime(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	at := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
	assert.Equal(t, "14:05 on 09/03/2024", c.DataSourceTime(at))
}

func TestParseRejectsIncompleteContent(t *testing.T) {
	_, err := Parse([]byte("title: x\ncollect_info: {success: ok}\n"))
	assert.ErrorContains(t, err, "acknowledgement")

	_, err = Parse([]byte("title: [unterminated"))
	assert.Error(t, err)
}
