// Package settlement persists the rider's review and consumes the credit the
// fare quote applied.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

const RoleDriver = "driver"

var (
	ErrInvalidRating       = errors.New("rating must be between 1 and 5")
	ErrInvalidComment      = errors.New("comment too long")
	ErrCreditExceedsQuote  = errors.New("consumed credit exceeds the quoted amount")
	ErrNegativeCredit      = errors.New("consumed credit must not be negative")
	ErrMissingRideOrDriver = errors.New("review needs a ride and a driver")
)

type Step string

const (
	StepValidation Step = "validation"
	StepReview     Step = "review"
	StepCredit     Step = "credit"
)

// Error names the settlement step that failed.
type Error struct {
	Step Step
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("settlement %s: %v", e.Step, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

type ReviewStore interface {
	InsertReview(ctx context.Context, rv models.Review) error
}

type CreditLedger interface {
	Deduct(ctx context.Context, customerID, rideID string, amount int64) error
}

// Submission is one attempt to settle a finished ride. ReviewSaved and
// CreditSettled carry progress from an earlier attempt so a retry does not
// repeat completed steps.
type Submission struct {
	Review         models.Review
	ConsumedCredit int64
	QuotedCredit   int64

	ReviewSaved   bool
	CreditSettled bool
}

type Progress struct {
	ReviewSaved   bool
	CreditSettled bool
}

type Settler struct {
	Reviews       ReviewStore
	Ledger        CreditLedger
	RatingEnabled bool
	Logger        *slog.Logger

	validate *validator.Validate
}

func New(reviews ReviewStore, ledger CreditLedger, ratingEnabled bool, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{Reviews: reviews, Ledger: ledger, RatingEnabled: ratingEnabled, Logger: logger, validate: validator.New()}
}

type reviewInput struct {
	Rating  int    `validate:"min=1,max=5"`
	Comment string `validate:"max=1000"`
}

// Submit validates, persists the review and deducts consumed credit. On
// error the returned Progress says which steps already went through.
func (s *Settler) Submit(ctx context.Context, sub Submission) (Progress, error) {
	p := Progress{ReviewSaved: sub.ReviewSaved, CreditSettled: sub.CreditSettled}
	if err := s.check(sub); err != nil {
		observability.SettlementErrors.WithLabelValues(string(StepValidation)).Inc()
		return p, &Error{Step: StepValidation, Err: err}
	}

	rv := sub.Review
	if rv.RoleTarget == "" {
		rv.RoleTarget = RoleDriver
	}
	if !p.ReviewSaved {
		if s.RatingEnabled {
			if err := s.Reviews.InsertReview(ctx, rv); err != nil {
				observability.SettlementErrors.WithLabelValues(string(StepReview)).Inc()
				s.Logger.Warn("review_insert_failed", "ride_id", rv.RideID, "error", err)
				return p, &Error{Step: StepReview, Err: err}
			}
		}
		p.ReviewSaved = true
	}

	if !p.CreditSettled {
		if sub.ConsumedCredit > 0 {
			if err := s.Ledger.Deduct(ctx, rv.ReviewerID, rv.RideID, sub.ConsumedCredit); err != nil {
				observability.SettlementErrors.WithLabelValues(string(StepCredit)).Inc()
				s.Logger.Warn("credit_deduction_failed", "ride_id", rv.RideID, "amount", sub.ConsumedCredit, "error", err)
				return p, &Error{Step: StepCredit, Err: err}
			}
		}
		p.CreditSettled = true
	}
	s.Logger.Info("ride_settled", "ride_id", rv.RideID, "rating", rv.Rating, "credit_used", sub.ConsumedCredit)
	return p, nil
}

func (s *Settler) check(sub Submission) error {
	if sub.Review.RideID == "" || sub.Review.TargetID == "" {
		return ErrMissingRideOrDriver
	}
	if sub.ConsumedCredit < 0 {
		return ErrNegativeCredit
	}
	if sub.ConsumedCredit > sub.QuotedCredit {
		return ErrCreditExceedsQuote
	}
	if !s.RatingEnabled {
		return nil
	}
	if err := s.validate.Struct(reviewInput{Rating: sub.Review.Rating, Comment: sub.Review.Comment}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Comment" {
			return ErrInvalidComment
		}
		return ErrInvalidRating
	}
	return nil
}
