package usage_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/mail"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
	inmemdb "github.com/trezcool/masomo/storage/database/inmem"
	"github.com/trezcool/masomo/testutil"
)

func TestCost(t *testing.T) {
	c, ok := usage.Cost(usage.FeatureTranslate)
	assert.True(t, ok)
	assert.Equal(t, 1, c)

	c, ok = usage.Cost(usage.FeatureTradingCard)
	assert.True(t, ok)
	assert.Equal(t, 5, c)

	_, ok = usage.Cost("teleport")
	assert.False(t, ok)

	assert.Equal(t, []usage.Feature{usage.FeatureTradingCard, usage.FeatureTranslate}, usage.Features())
}

func TestNewRecord_Validate(t *testing.T) {
	env := testutil.NewEnv(t)

	nr := usage.NewRecord{Feature: " Translate "}
	require.NoError(t, nr.Validate(env.Validate))
	assert.Equal(t, usage.FeatureTranslate, nr.Feature)

	nr = usage.NewRecord{Feature: "teleport"}
	var vErrs validator.ValidationErrors
	require.True(t, errors.As(nr.Validate(env.Validate), &vErrs))
	assert.Equal(t, "feature", vErrs[0].Field())
}

func TestService_Record(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	sch := env.CreateSchool(t, "lycee-a", 6)
	jane := env.CreateUser(t, "jane", permission.RoleNone, true)
	env.AddMember(t, jane, sch, permission.RoleTeacher)

	rec, sch, err := env.Usage.Record(ctx, sch.ID, jane.ID, usage.NewRecord{Feature: usage.FeatureTradingCard})
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Credits)
	assert.Equal(t, jane.ID, rec.UserID)
	assert.Equal(t, 1, sch.Credits)

	t.Run("insufficient credits", func(t *testing.T) {
		_, _, err := env.Usage.Record(ctx, sch.ID, jane.ID, usage.NewRecord{Feature: usage.FeatureTradingCard})
		var vErr *core.ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "credits", vErr.Fields[0].Field)

		sum, err := env.Usage.Summary(ctx, sch.ID, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Len(t, sum.Recent, 1, "no record must be written")
		assert.Equal(t, 1, sum.Balance)
	})

	t.Run("unknown feature", func(t *testing.T) {
		_, _, err := env.Usage.Record(ctx, sch.ID, jane.ID, usage.NewRecord{Feature: "teleport"})
		var vErr *core.ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "feature", vErr.Fields[0].Field)
	})

	t.Run("unknown school", func(t *testing.T) {
		_, _, err := env.Usage.Record(ctx, "nope", jane.ID, usage.NewRecord{Feature: usage.FeatureTranslate})
		assert.True(t, core.IsNotFound(err))
	})
}

type failingRepo struct {
	usage.Repository
}

func (failingRepo) DebitAndCreate(context.Context, usage.Record) (usage.Record, school.School, error) {
	return usage.Record{}, school.School{}, errors.New("disk full")
}

func TestService_RecordStorageFailure(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	sch := env.CreateSchool(t, "lycee-a", 3)

	svc := usage.NewService(&failingRepo{inmemdb.NewUsageRepository(env.DB)}, env.Schools, env.Mail)
	_, _, err := svc.Record(ctx, sch.ID, "", usage.NewRecord{Feature: usage.FeatureTranslate})
	require.Error(t, err)
	var vErr *core.ValidationError
	assert.False(t, errors.As(err, &vErr), "storage failures are server errors")

	sch, err = env.Schools.GetByID(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sch.Credits)
}

func TestService_Summary(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	sch := env.CreateSchool(t, "lycee-a", 100)
	other := env.CreateSchool(t, "lycee-b", 100)

	defer func(orig func() time.Time) { usage.NowFunc = orig }(usage.NowFunc)
	day := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	record := func(schoolID string, f usage.Feature, at time.Time) {
		usage.NowFunc = func() time.Time { return at }
		_, _, err := env.Usage.Record(ctx, schoolID, "", usage.NewRecord{Feature: f})
		require.NoError(t, err)
	}
	record(sch.ID, usage.FeatureTranslate, day.AddDate(0, 0, -10))
	record(sch.ID, usage.FeatureTranslate, day)
	record(sch.ID, usage.FeatureTranslate, day.Add(time.Hour))
	record(sch.ID, usage.FeatureTradingCard, day.Add(2*time.Hour))
	record(other.ID, usage.FeatureTradingCard, day)

	sum, err := env.Usage.Summary(ctx, sch.ID, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 92, sum.Balance)
	assert.Equal(t, 7, sum.TotalUsed)
	assert.Equal(t, []usage.FeatureUsage{
		{Feature: usage.FeatureTradingCard, Count: 1, Credits: 5},
		{Feature: usage.FeatureTranslate, Count: 2, Credits: 2},
	}, sum.Features)
	require.Len(t, sum.Recent, 3)
	assert.Equal(t, usage.FeatureTradingCard, sum.Recent[0].Feature, "newest first")

	sum, err = env.Usage.Summary(ctx, sch.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 8, sum.TotalUsed)

	_, err = env.Usage.Summary(ctx, sch.ID, day, day)
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "from", vErr.Fields[0].Field)

	_, err = env.Usage.Summary(ctx, "nope", time.Time{}, time.Time{})
	assert.True(t, core.IsNotFound(err))
}

func TestService_MailStatement(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	sch := env.CreateSchool(t, "lycee-a", 10)
	jane := env.CreateUser(t, "jane", permission.RoleNone, true)
	to := mail.Address{Name: "Jane", Address: jane.Email}

	defer func(orig func() time.Time) { usage.NowFunc = orig }(usage.NowFunc)
	day := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	usage.NowFunc = func() time.Time { return day }
	_, _, err := env.Usage.Record(ctx, sch.ID, jane.ID, usage.NewRecord{Feature: usage.FeatureTranslate})
	require.NoError(t, err)
	usage.NowFunc = func() time.Time { return day.Add(time.Hour) }
	_, _, err = env.Usage.Record(ctx, sch.ID, jane.ID, usage.NewRecord{Feature: usage.FeatureTradingCard})
	require.NoError(t, err)

	require.NoError(t, env.Usage.MailStatement(ctx, sch.ID, to, day, day.AddDate(0, 0, 1)))
	msg, ok := env.Mail.Last()
	require.True(t, ok, "no mail sent")
	assert.Equal(t, []mail.Address{to}, msg.To)
	assert.Contains(t, msg.TextContent, "from 2024-03-01 to 2024-03-02")
	assert.Contains(t, msg.TextContent, "Credits used: 6")
	assert.Contains(t, msg.TextContent, "Current balance: 4")

	require.Len(t, msg.Attachments, 1)
	at := msg.Attachments[0]
	assert.Equal(t, "usage-lycee-a-2024-03-01.csv", at.Filename)
	assert.Equal(t, "text/csv", at.ContentType)
	csv, err := base64.StdEncoding.DecodeString(at.Content.String())
	require.NoError(t, err)
	assert.Equal(t, "created_at,feature,credits,user_id\n"+
		"2024-03-01T12:00:00Z,translate,1,"+jane.ID+"\n"+
		"2024-03-01T13:00:00Z,trading_card,5,"+jane.ID+"\n", string(csv))

	t.Run("open period", func(t *testing.T) {
		require.NoError(t, env.Usage.MailStatement(ctx, sch.ID, to, time.Time{}, time.Time{}))
		msg, _ := env.Mail.Last()
		assert.Contains(t, msg.TextContent, "from the beginning to now")
	})

	t.Run("unknown school", func(t *testing.T) {
		env.Mail.Reset()
		err := env.Usage.MailStatement(ctx, "nope", to, time.Time{}, time.Time{})
		assert.True(t, core.IsNotFound(err))
		assert.Empty(t, env.Mail.SentMessages())
	})
}
