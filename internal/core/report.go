package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Report target types accepted by the primary API.
const (
	TargetRoad     = "road"
	TargetRoadwork = "roadwork"
)

// ReportSubmission is the write request a user makes when reporting a problem.
type ReportSubmission struct {
	TargetType string    `json:"target_type" bson:"target_type" validate:"required,oneof=road roadwork"`
	Date       string    `json:"date" bson:"date" validate:"omitempty,datetime=2006-01-02"`
	Reason     string    `json:"reason" bson:"reason" validate:"required,max=1000"`
	RoadID     *int64    `json:"road_id,omitempty" bson:"road_id,omitempty" validate:"omitempty,gt=0"`
	Location   *GeoPoint `json:"location,omitempty" bson:"location,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the submission before it is sent or queued.
// A failure is a programmer/input error and wraps ErrInvalidArgument.
func (r *ReportSubmission) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil report submission", ErrInvalidArgument)
	}
	if err := validatorInstance().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidArgument, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// AffectedResources lists the resource kinds whose cached reads become
// outdated once the submission is accepted by the server.
func (r *ReportSubmission) AffectedResources() []ResourceKind {
	affected := []ResourceKind{ResourceReports, ResourceStatistics}
	if r != nil && r.RoadID != nil {
		affected = append(affected, ResourceRoadsDetails)
	}
	return affected
}

// AsReport projects the submission into a Report for optimistic display.
func (r *ReportSubmission) AsReport(id, ownerID string) Report {
	return Report{
		ID:         ID(id),
		TargetType: r.TargetType,
		Date:       r.Date,
		Reason:     r.Reason,
		RoadID:     r.RoadID,
		Location:   r.Location,
		UserID:     ID(ownerID),
	}
}
