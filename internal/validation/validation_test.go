package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobmarket/internal/domain"
)

func TestStruct(t *testing.T) {
	v := New()

	tests := []struct {
		name       string
		job        domain.Job
		wantFields []string
	}{
		{
			name: "valid",
			job:  domain.Job{Title: "Paint fence", Location: "Austin", BudgetMin: 100, BudgetMax: 200},
		},
		{
			name:       "missing title and location",
			job:        domain.Job{BudgetMin: 100, BudgetMax: 200},
			wantFields: []string{"title", "location"},
		},
		{
			name:       "inverted budget",
			job:        domain.Job{Title: "Paint fence", Location: "Austin", BudgetMin: 300, BudgetMax: 200},
			wantFields: []string{"budget_max"},
		},
		{
			name:       "zero budget",
			job:        domain.Job{Title: "Paint fence", Location: "Austin"},
			wantFields: []string{"budget_min"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(v, &tt.job)
			if len(tt.wantFields) == 0 {
				require.NoError(t, err)
				return
			}

			var valErr *domain.ValidationError
			require.ErrorAs(t, err, &valErr)
			for _, f := range tt.wantFields {
				assert.Contains(t, valErr.Fields, f)
			}
		})
	}
}

func TestStruct_Messages(t *testing.T) {
	v := New()

	err := Struct(v, &domain.Job{Title: "x", Location: "y", BudgetMin: 300, BudgetMax: 200})

	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "must not be less than budget_min", valErr.Fields["budget_max"])
}
