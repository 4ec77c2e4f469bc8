package usage

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/mail"
	"sort"
	"strconv"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/school"
)

// Feature is a metered, credit-consuming capability.
type Feature string

const (
	FeatureTranslate   Feature = "translate"
	FeatureTradingCard Feature = "trading_card"
)

const recentLimit = 20

// costs in credits per use
var costs = map[Feature]int{
	FeatureTranslate:   1,
	FeatureTradingCard: 5,
}

var NowFunc = time.Now // mockable

// Cost returns the credit cost of a feature and whether the feature is known.
func Cost(f Feature) (int, bool) {
	c, ok := costs[f]
	return c, ok
}

// Features lists the metered features, sorted.
func Features() []Feature {
	fs := make([]Feature, 0, len(costs))
	for f := range costs {
		fs = append(fs, f)
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
	return fs
}

type (
	// Record is one debited use of a feature.
	Record struct {
		ID        string    `json:"id"`
		SchoolID  string    `json:"school_id"`
		UserID    string    `json:"user_id"`
		Feature   Feature   `json:"feature"`
		Credits   int       `json:"credits"`
		CreatedAt time.Time `json:"created_at"` // UTC
	}

	NewRecord struct {
		Feature Feature `json:"feature" validate:"required,feature"`
	}

	FeatureUsage struct {
		Feature Feature `json:"feature"`
		Count   int     `json:"count"`
		Credits int     `json:"credits"`
	}

	Summary struct {
		SchoolID  string         `json:"school_id"`
		Balance   int            `json:"balance"`
		TotalUsed int            `json:"total_used"`
		From      time.Time      `json:"from"`
		To        time.Time      `json:"to"`
		Features  []FeatureUsage `json:"features"`
		Recent    []Record       `json:"recent"`
	}

	// Filter selects records of a school created within [From, To); zero bounds are open.
	Filter struct {
		SchoolID string
		From     time.Time
		To       time.Time
		Limit    int
	}

	Repository interface {
		// DebitAndCreate takes r.Credits from the school balance and stores r, all or nothing.
		// Fails with school.ErrNotFound or school.ErrInsufficientCredits.
		DebitAndCreate(ctx context.Context, r Record) (Record, school.School, error)
		QueryRecords(ctx context.Context, filter Filter) ([]Record, error) // newest first
		AggregateByFeature(ctx context.Context, filter Filter) ([]FeatureUsage, error)
	}

	Service interface {
		// Record debits the school for one use of the feature and stores the record in one step.
		// Nothing is stored when the balance is insufficient.
		Record(ctx context.Context, schoolID, userID string, nr NewRecord) (Record, school.School, error)
		Summary(ctx context.Context, schoolID string, from, to time.Time) (Summary, error)
		// MailStatement e-mails the usage summary of the period to recipient, every record attached as CSV.
		MailStatement(ctx context.Context, schoolID string, recipient mail.Address, from, to time.Time) error
	}

	service struct {
		repo    Repository
		schools school.Service
		mailSvc core.EmailService
	}
)

func (nr *NewRecord) Validate(validate *validator.Validate) error {
	nr.Feature = Feature(core.CleanString(string(nr.Feature), true /* lower */))
	return validate.Struct(nr)
}

var _ Service = (*service)(nil)

func NewService(repo Repository, schools school.Service, mailSvc core.EmailService) Service {
	vala.BeginValidation().Validate(
		vala.IsNotNil(repo, "repo"),
		vala.IsNotNil(schools, "schools"),
		vala.IsNotNil(mailSvc, "mailSvc"),
	).CheckAndPanic()

	return &service{repo: repo, schools: schools, mailSvc: mailSvc}
}

func (svc *service) Record(ctx context.Context, schoolID, userID string, nr NewRecord) (Record, school.School, error) {
	cost, ok := Cost(nr.Feature)
	if !ok {
		return Record{}, school.School{}, core.NewValidationError(nil, core.FieldError{Field: "feature", Error: "unknown feature"})
	}

	rec, sch, err := svc.repo.DebitAndCreate(ctx, Record{
		SchoolID:  schoolID,
		UserID:    userID,
		Feature:   nr.Feature,
		Credits:   cost,
		CreatedAt: NowFunc().UTC(),
	})
	switch {
	case errors.Is(err, school.ErrInsufficientCredits):
		return Record{}, school.School{}, core.NewValidationError(err, core.FieldError{Field: "credits", Error: err.Error()})
	case err != nil:
		return Record{}, school.School{}, errors.Wrap(err, "recording usage")
	}
	return rec, sch, nil
}

func (svc *service) Summary(ctx context.Context, schoolID string, from, to time.Time) (Summary, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return Summary{}, core.NewValidationError(nil, core.FieldError{Field: "from", Error: "must be before to"})
	}

	sch, err := svc.schools.GetByID(ctx, schoolID)
	if err != nil {
		return Summary{}, err
	}

	filter := Filter{SchoolID: schoolID, From: from, To: to}
	features, err := svc.repo.AggregateByFeature(ctx, filter)
	if err != nil {
		return Summary{}, errors.Wrap(err, "aggregating usage")
	}
	filter.Limit = recentLimit
	recent, err := svc.repo.QueryRecords(ctx, filter)
	if err != nil {
		return Summary{}, errors.Wrap(err, "querying usage records")
	}

	sum := Summary{
		SchoolID: schoolID,
		Balance:  sch.Credits,
		From:     from,
		To:       to,
		Features: features,
		Recent:   recent,
	}
	for _, f := range features {
		sum.TotalUsed += f.Credits
	}
	return sum, nil
}

const statementDateFormat = "2006-01-02"

func (svc *service) MailStatement(ctx context.Context, schoolID string, recipient mail.Address, from, to time.Time) error {
	sum, err := svc.Summary(ctx, schoolID, from, to)
	if err != nil {
		return err
	}
	sch, err := svc.schools.GetByID(ctx, schoolID)
	if err != nil {
		return err
	}
	recs, err := svc.repo.QueryRecords(ctx, Filter{SchoolID: schoolID, From: from, To: to})
	if err != nil {
		return errors.Wrap(err, "querying usage records")
	}

	var buf bytes.Buffer
	if err = writeCSV(&buf, recs); err != nil {
		return errors.Wrap(err, "writing usage csv")
	}

	period := func(t time.Time, open string) string {
		if t.IsZero() {
			return open
		}
		return t.Format(statementDateFormat)
	}
	msg := &core.EmailMessage{
		To:           []mail.Address{recipient},
		Subject:      "Usage statement of " + sch.Name,
		TemplateName: "usage_statement",
		TemplateData: map[string]interface{}{
			"SchoolName": sch.Name,
			"From":       period(from, "the beginning"),
			"To":         period(to, "now"),
			"Summary":    sum,
		},
	}
	filename := "usage-" + sch.Code + "-" + NowFunc().UTC().Format(statementDateFormat) + ".csv"
	if err = msg.Attach(&buf, filename, "text/csv"); err != nil {
		return errors.Wrap(err, "attaching usage csv")
	}
	svc.mailSvc.SendMessages(msg)
	return nil
}

// writeCSV writes recs oldest first, under a header row.
func writeCSV(buf *bytes.Buffer, recs []Record) error {
	w := csv.NewWriter(buf)
	if err := w.Write([]string{"created_at", "feature", "credits", "user_id"}); err != nil {
		return err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if err := w.Write([]string{r.CreatedAt.Format(time.RFC3339), string(r.Feature), strconv.Itoa(r.Credits), r.UserID}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// InitValidators registers the `feature` tag.
func InitValidators(validate *validator.Validate, uni *ut.UniversalTranslator) {
	_ = validate.RegisterValidation("feature", func(fl validator.FieldLevel) bool {
		_, ok := Cost(Feature(fl.Field().String()))
		return ok
	})
	core.RegisterCustomTranslation(validate, uni, "feature", core.Texts{
		"en": "{0} must be one of: translate, trading_card",
		"fr": "{0} doit être l'une des valeurs: translate, trading_card",
	})
}
