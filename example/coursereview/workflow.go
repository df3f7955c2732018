// Package coursereview defines a two-step course review workflow. The course
// stays hidden while it is reviewed, then it is published and the publish
// step finishes itself a week after the course starts.
package coursereview

import (
	"fmt"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
	"github.com/sicko7947/stepflow/catalog"
)

// Shortname identifies the workflow in the catalog
const Shortname = "coursereview"

// NewCourseReviewWorkflow constructs the course review workflow
func NewCourseReviewWorkflow() (*catalog.Definition, error) {
	def, err := builder.NewWorkflow(Shortname, "Course review").
		AppliesTo(stepflow.KindCourse).
		Sequence(
			builder.NewStep("Review content").
				Instructions("Check the course material before it is published.").
				OnActive("setcoursevisibility hidden").
				Todo("Check every activity has a description").
				Todo("Check the gradebook setup"),
			builder.NewStep("Publish").
				Instructions("The course is visible to students.").
				OnActive("setcoursevisibility visible").
				AutoFinish("course;startdate", 7*24*3600),
		).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build workflow: %w", err)
	}

	return def, nil
}
