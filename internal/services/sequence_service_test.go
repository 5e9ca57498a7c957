package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"crmflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newSequenceTestService(t *testing.T) (*SequenceService, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	svc := NewSequenceService(newAutomationTestDB(t), nil, SequenceOptions{Location: time.UTC})
	svc.now = clock.now
	return svc, clock
}

func mustSequence(t *testing.T, svc *SequenceService, req SequenceCreateRequest) *models.Sequence {
	t.Helper()
	if req.Module == "" {
		req.Module = "leads"
	}
	if req.EntryTrigger.Type == "" {
		req.EntryTrigger.Type = models.EntryOnCreated
	}
	seq, err := svc.CreateSequence(context.Background(), &req)
	require.NoError(t, err)
	return seq
}

func twoSteps() []models.SequenceStep {
	return []models.SequenceStep{
		{DayOffset: 0, ChannelType: "Call", Instruction: "Intro call"},
		{DayOffset: 1, TimeOfDay: "10:30", ChannelType: "WhatsApp", Instruction: "Share brochure"},
	}
}

func TestSequenceService_StepTime(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	got := svc.StepTime(base, models.SequenceStep{DayOffset: 2, TimeOfDay: "14:30"})
	assert.Equal(t, time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC), got)

	got = svc.StepTime(base, models.SequenceStep{DayOffset: 30, TimeOfDay: "bad"})
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), got)

	ist := time.FixedZone("IST", 5*3600+1800)
	local := NewSequenceService(nil, nil, SequenceOptions{Location: ist, DefaultTimeOfDay: "25:00"})
	got = local.StepTime(time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC), models.SequenceStep{})
	assert.Equal(t, time.Date(2026, 3, 3, 3, 30, 0, 0, time.UTC), got.UTC(), "date is taken in the configured zone")
}

func TestSequenceService_CreateValidation(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	ctx := context.Background()

	bad := []SequenceCreateRequest{
		{Module: "leads", EntryTrigger: models.EntryTrigger{Type: models.EntryOnCreated}},
		{Name: "x", EntryTrigger: models.EntryTrigger{Type: models.EntryOnCreated}},
		{Name: "x", Module: "leads", EntryTrigger: models.EntryTrigger{Type: "onWhim"}},
		{Name: "x", Module: "leads", EntryTrigger: models.EntryTrigger{Type: models.EntryOnScoreBandEntry, MinScore: 80, MaxScore: 20}},
		{Name: "x", Module: "leads", EntryTrigger: models.EntryTrigger{Type: models.EntryOnCreated}, Steps: []models.SequenceStep{{DayOffset: -1}}},
		{Name: "x", Module: "leads", EntryTrigger: models.EntryTrigger{Type: models.EntryOnCreated}, Steps: []models.SequenceStep{{TimeOfDay: "9am"}}},
	}
	for i, req := range bad {
		req := req
		_, err := svc.CreateSequence(ctx, &req)
		assert.Error(t, err, "request %d", i)
	}

	seq := mustSequence(t, svc, SequenceCreateRequest{Name: " Nurture ", Module: "lead", Steps: twoSteps()})
	assert.Equal(t, "Nurture", seq.Name)
	assert.Equal(t, "leads", seq.Module)
	assert.True(t, seq.Active)

	loaded, err := svc.GetSequence(ctx, seq.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, "1", loaded.Steps[0].ID)
	assert.Equal(t, DefaultTimeOfDay, loaded.Steps[0].TimeOfDay)
	assert.Equal(t, "2", loaded.Steps[1].ID)
	assert.Equal(t, "10:30", loaded.Steps[1].TimeOfDay)
}

func TestSequenceService_EnrollIsIdempotent(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	ctx := context.Background()
	seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Nurture", Steps: twoSteps()})

	first, err := svc.Enroll(ctx, "l1", seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, first.Status)
	assert.Equal(t, 0, first.CurrentStepIndex)
	require.NotNil(t, first.NextStepAt)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), first.NextStepAt.UTC())
	require.Len(t, first.Logs, 1)
	assert.Equal(t, "enrolled", first.Logs[0].Event)
	assert.Equal(t, "Enrolled in Nurture", first.Logs[0].Message)

	again, err := svc.Enroll(ctx, "l1", seq.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	enrs, err := svc.ListEnrollments(ctx, "l1")
	require.NoError(t, err)
	assert.Len(t, enrs, 1)

	_, err = svc.Enroll(ctx, "l1", "missing")
	assert.ErrorIs(t, err, ErrSequenceNotFound)
}

func TestSequenceService_EnrollEmptySequenceCompletes(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Empty"})

	enr, err := svc.Enroll(context.Background(), "l1", seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, enr.Status)
	assert.Nil(t, enr.NextStepAt)
}

func TestSequenceService_StatusChanges(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	ctx := context.Background()
	a := mustSequence(t, svc, SequenceCreateRequest{Name: "A", Steps: twoSteps()})
	b := mustSequence(t, svc, SequenceCreateRequest{Name: "B", Steps: twoSteps()})

	enrA, err := svc.Enroll(ctx, "l1", a.ID)
	require.NoError(t, err)
	enrB, err := svc.Enroll(ctx, "l1", b.ID)
	require.NoError(t, err)
	_, err = svc.Enroll(ctx, "l2", a.ID)
	require.NoError(t, err)

	n, err := svc.StopSequence(ctx, "l1", a.ID, models.EnrollmentPaused)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	paused, err := svc.GetEnrollment(ctx, enrA.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentPaused, paused.Status)
	assert.NotNil(t, paused.NextStepAt, "pausing keeps the schedule")
	assert.Equal(t, "Status changed to paused", paused.Logs[len(paused.Logs)-1].Message)

	n, err = svc.StopSequence(ctx, "l1", models.AllSequences, models.EnrollmentStopped)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only active enrollments change")

	stopped, err := svc.GetEnrollment(ctx, enrB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStopped, stopped.Status)
	assert.Nil(t, stopped.NextStepAt)

	_, err = svc.SetStatus(ctx, "l2", models.EnrollmentActive)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, models.EnrollmentActive, terr.From)

	n, err = svc.SetStatus(ctx, "l2", models.EnrollmentCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resumed, err := svc.Resume(ctx, enrA.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, resumed.Status)
	assert.Equal(t, "Resumed", resumed.Logs[len(resumed.Logs)-1].Message)

	_, err = svc.Resume(ctx, enrB.ID)
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, models.EnrollmentStopped, terr.From)

	_, err = svc.Resume(ctx, "missing")
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)
}

func TestSequenceService_AdvanceToCompletion(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	ctx := context.Background()
	seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Three", Steps: []models.SequenceStep{
		{DayOffset: 0}, {DayOffset: 2, TimeOfDay: "11:00"}, {DayOffset: 5},
	}})
	enr, err := svc.Enroll(ctx, "l1", seq.ID)
	require.NoError(t, err)

	enr, err = svc.AdvanceStep(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, enr.CurrentStepIndex)
	assert.Equal(t, time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC), enr.NextStepAt.UTC())
	assert.Equal(t, "Advanced to step 2 of 3", enr.Logs[len(enr.Logs)-1].Message)

	enr, err = svc.AdvanceStep(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, enr.CurrentStepIndex)
	assert.Equal(t, time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC), enr.NextStepAt.UTC())

	enr, err = svc.AdvanceStep(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, enr.Status)
	assert.Nil(t, enr.NextStepAt)
	assert.Equal(t, "All steps completed", enr.Logs[len(enr.Logs)-1].Message)

	_, err = svc.AdvanceStep(ctx, enr.ID)
	var terr *TransitionError
	assert.True(t, errors.As(err, &terr))
}

func TestSequenceService_ProcessDue(t *testing.T) {
	svc, clock := newSequenceTestService(t)
	ctx := context.Background()
	seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Nurture", Steps: twoSteps()})
	e1, err := svc.Enroll(ctx, "l1", seq.ID)
	require.NoError(t, err)
	e2, err := svc.Enroll(ctx, "l2", seq.ID)
	require.NoError(t, err)

	var ran []string
	failFor := "l2"
	run := func(ctx context.Context, enr *models.Enrollment, step models.SequenceStep) error {
		ran = append(ran, enr.EntityID+":"+step.ID)
		if enr.EntityID == failFor {
			return errors.New("dialer offline")
		}
		return nil
	}

	res, err := svc.ProcessDue(ctx, time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC), run)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{}, res)
	assert.Empty(t, ran)

	clock.t = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	res, err = svc.ProcessDue(ctx, clock.t, run)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 1, Failed: 1}, res)
	assert.ElementsMatch(t, []string{"l1:1", "l2:1"}, ran)

	failed, err := svc.GetEnrollment(ctx, e2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, failed.CurrentStepIndex)
	assert.Equal(t, "step_failed", failed.Logs[len(failed.Logs)-1].Event)
	assert.Equal(t, "dialer offline", failed.Logs[len(failed.Logs)-1].Message)

	advanced, err := svc.GetEnrollment(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.CurrentStepIndex)
	assert.Equal(t, time.Date(2026, 3, 3, 10, 30, 0, 0, time.UTC), advanced.NextStepAt.UTC())

	failFor = ""
	ran = nil
	clock.t = time.Date(2026, 3, 3, 10, 30, 0, 0, time.UTC)
	res, err = svc.ProcessDue(ctx, clock.t, run)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 2, Completed: 1}, res)
	assert.ElementsMatch(t, []string{"l1:2", "l2:1"}, ran)

	done, err := svc.GetEnrollment(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, done.Status)
}

func TestSequenceService_ProcessDueSkipsPaused(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	ctx := context.Background()
	seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Nurture", Steps: twoSteps()})
	_, err := svc.Enroll(ctx, "l1", seq.ID)
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, "l1", models.EnrollmentPaused)
	require.NoError(t, err)

	res, err := svc.ProcessDue(ctx, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestSequenceService_DeleteStopsPausedEnrollments(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	ctx := context.Background()
	seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Nurture", Steps: twoSteps()})
	enr, err := svc.Enroll(ctx, "l1", seq.ID)
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, "l1", models.EnrollmentPaused)
	require.NoError(t, err)

	res, err := svc.DeleteSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	stopped, err := svc.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStopped, stopped.Status)
	assert.Nil(t, stopped.NextStepAt)
	assert.Equal(t, "Sequence deleted", stopped.Logs[len(stopped.Logs)-1].Message)

	_, err = svc.Resume(ctx, enr.ID)
	assert.Error(t, err)
}

func TestSequenceService_ProcessDueStopsOrphans(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	ctx := context.Background()
	seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Nurture", Steps: twoSteps()})
	enr, err := svc.Enroll(ctx, "l1", seq.ID)
	require.NoError(t, err)
	require.NoError(t, svc.db.Delete(&models.Sequence{}, "id = ?", seq.ID).Error)

	res, err := svc.ProcessDue(ctx, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Stopped: 1}, res)

	orphan, err := svc.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStopped, orphan.Status)

	res, err = svc.ProcessDue(ctx, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{}, res)
}

func TestSequenceService_ApplyExitEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("closed won completes active and stops paused", func(t *testing.T) {
		svc, _ := newSequenceTestService(t)
		a := mustSequence(t, svc, SequenceCreateRequest{Name: "A", Steps: twoSteps()})
		b := mustSequence(t, svc, SequenceCreateRequest{Name: "B", Steps: twoSteps()})
		enrA, err := svc.Enroll(ctx, "d1", a.ID)
		require.NoError(t, err)
		enrB, err := svc.Enroll(ctx, "d1", b.ID)
		require.NoError(t, err)
		_, err = svc.StopSequence(ctx, "d1", b.ID, models.EnrollmentPaused)
		require.NoError(t, err)

		n, err := svc.ApplyExitEvent(ctx, models.Entity{"id": "d1", "stage": StageClosedWon}, ExitEvent{})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, _ := svc.GetEnrollment(ctx, enrA.ID)
		assert.Equal(t, models.EnrollmentCompleted, got.Status)
		assert.Equal(t, "Exited: stage Closed Won", got.Logs[len(got.Logs)-1].Message)
		got, _ = svc.GetEnrollment(ctx, enrB.ID)
		assert.Equal(t, models.EnrollmentStopped, got.Status)
	})

	t.Run("closed lost stops", func(t *testing.T) {
		svc, _ := newSequenceTestService(t)
		a := mustSequence(t, svc, SequenceCreateRequest{Name: "A", Steps: twoSteps()})
		enr, err := svc.Enroll(ctx, "l1", a.ID)
		require.NoError(t, err)

		n, err := svc.ApplyExitEvent(ctx, models.Entity{"id": "l1", "stage": StageClosedLost}, ExitEvent{})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		got, _ := svc.GetEnrollment(ctx, enr.ID)
		assert.Equal(t, models.EnrollmentStopped, got.Status)
	})

	t.Run("deal created honours exit conditions", func(t *testing.T) {
		svc, _ := newSequenceTestService(t)
		exits := mustSequence(t, svc, SequenceCreateRequest{Name: "Exits", Steps: twoSteps(),
			ExitConditions: models.ExitConditions{OnDealCreated: true}})
		stays := mustSequence(t, svc, SequenceCreateRequest{Name: "Stays", Steps: twoSteps()})
		e1, err := svc.Enroll(ctx, "l1", exits.ID)
		require.NoError(t, err)
		e2, err := svc.Enroll(ctx, "l1", stays.ID)
		require.NoError(t, err)

		n, err := svc.ApplyExitEvent(ctx, models.Entity{"id": "l1", "stage": "Negotiation"}, ExitEvent{DealCreated: true})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		got, _ := svc.GetEnrollment(ctx, e1.ID)
		assert.Equal(t, models.EnrollmentStopped, got.Status)
		got, _ = svc.GetEnrollment(ctx, e2.ID)
		assert.Equal(t, models.EnrollmentActive, got.Status)
	})

	t.Run("manual activity pauses", func(t *testing.T) {
		svc, _ := newSequenceTestService(t)
		seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Calls", Steps: twoSteps(),
			ExitConditions: models.ExitConditions{OnManualActivity: true}})
		enr, err := svc.Enroll(ctx, "l1", seq.ID)
		require.NoError(t, err)

		n, err := svc.ApplyExitEvent(ctx, models.Entity{"id": "l1"}, ExitEvent{ActivityOutcome: "Call - Not Answered"})
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = svc.ApplyExitEvent(ctx, models.Entity{"id": "l1"}, ExitEvent{ActivityOutcome: "Meeting Scheduled"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		got, _ := svc.GetEnrollment(ctx, enr.ID)
		assert.Equal(t, models.EnrollmentPaused, got.Status)
		assert.Equal(t, "Paused: Meeting Scheduled", got.Logs[len(got.Logs)-1].Message)
	})

	t.Run("entity without id", func(t *testing.T) {
		svc, _ := newSequenceTestService(t)
		_, err := svc.ApplyExitEvent(ctx, models.Entity{"stage": StageClosedWon}, ExitEvent{})
		assert.Error(t, err)
	})
}

func TestSequenceService_EvaluateAndEnroll(t *testing.T) {
	svc, clock := newSequenceTestService(t)
	ctx := context.Background()
	inactive := false

	created := mustSequence(t, svc, SequenceCreateRequest{Name: "Welcome", Steps: twoSteps()})
	stage := mustSequence(t, svc, SequenceCreateRequest{Name: "Prospect follow-up", Steps: twoSteps(),
		EntryTrigger: models.EntryTrigger{Type: models.EntryOnStageChange, TargetStage: "Prospect"}})
	hot := mustSequence(t, svc, SequenceCreateRequest{Name: "Hot", Steps: twoSteps(),
		EntryTrigger: models.EntryTrigger{Type: models.EntryOnScoreBandEntry, MinScore: 70, MaxScore: 100}})
	mustSequence(t, svc, SequenceCreateRequest{Name: "Cold", Steps: twoSteps(),
		EntryTrigger: models.EntryTrigger{Type: models.EntryOnScoreBandEntry, MinScore: 0, MaxScore: 30}})
	idle := mustSequence(t, svc, SequenceCreateRequest{Name: "Revive", Steps: twoSteps(),
		EntryTrigger: models.EntryTrigger{Type: models.EntryOnInactivity, Days: 7}})
	mustSequence(t, svc, SequenceCreateRequest{Name: "Off", Active: &inactive, Steps: twoSteps()})
	mustSequence(t, svc, SequenceCreateRequest{Name: "Deals", Module: "deals", Steps: twoSteps()})

	lead := models.Entity{
		"id":             "l1",
		"stage":          "Prospect",
		"score":          75,
		"lastActivityAt": clock.t.AddDate(0, 0, -10).Format(time.RFC3339),
	}
	enrs, err := svc.EvaluateAndEnroll(ctx, lead, "lead")
	require.NoError(t, err)

	var ids []string
	for _, e := range enrs {
		ids = append(ids, e.SequenceID)
	}
	assert.ElementsMatch(t, []string{created.ID, stage.ID, hot.ID, idle.ID}, ids)

	again, err := svc.EvaluateAndEnroll(ctx, lead, "leads")
	require.NoError(t, err)
	assert.Len(t, again, 4)
	all, err := svc.ListEnrollments(ctx, "l1")
	require.NoError(t, err)
	assert.Len(t, all, 4, "re-evaluation does not duplicate enrollments")

	_, err = svc.EvaluateAndEnroll(ctx, models.Entity{"stage": "Prospect"}, "leads")
	assert.Error(t, err)
}

func TestSequenceService_EvaluateUpdated(t *testing.T) {
	ctx := context.Background()

	t.Run("enters on stage change only", func(t *testing.T) {
		svc, _ := newSequenceTestService(t)
		visit := mustSequence(t, svc, SequenceCreateRequest{Name: "Visit", Steps: twoSteps(),
			EntryTrigger: models.EntryTrigger{Type: models.EntryOnStageChange, TargetStage: "Site Visit"}})
		mustSequence(t, svc, SequenceCreateRequest{Name: "Welcome", Steps: twoSteps()})

		prev := models.Entity{"id": "l1", "stage": "Prospect"}
		cur := prev.Merge(map[string]interface{}{"stage": "Site Visit"})
		enrs, err := svc.EvaluateUpdated(ctx, cur, prev, "leads")
		require.NoError(t, err)
		require.Len(t, enrs, 1)
		assert.Equal(t, visit.ID, enrs[0].SequenceID)

		enrs, err = svc.EvaluateUpdated(ctx, cur.Merge(map[string]interface{}{"score": 10}), cur, "leads")
		require.NoError(t, err)
		assert.Empty(t, enrs)

		fresh, err := svc.EvaluateUpdated(ctx, models.Entity{"id": "l2", "stage": "Site Visit"}, models.Entity{"id": "l2", "stage": "Site Visit"}, "leads")
		require.NoError(t, err)
		assert.Empty(t, fresh, "already in the target stage")
	})

	t.Run("score band needs a crossing", func(t *testing.T) {
		svc, _ := newSequenceTestService(t)
		hot := mustSequence(t, svc, SequenceCreateRequest{Name: "Hot", Steps: twoSteps(),
			EntryTrigger: models.EntryTrigger{Type: models.EntryOnScoreBandEntry, MinScore: 80, MaxScore: 100}})

		enrs, err := svc.EvaluateUpdated(ctx, models.Entity{"id": "l1", "score": 90}, models.Entity{"id": "l1", "score": 85}, "leads")
		require.NoError(t, err)
		assert.Empty(t, enrs)

		enrs, err = svc.EvaluateUpdated(ctx, models.Entity{"id": "l1", "score": 90}, models.Entity{"id": "l1", "score": 40}, "leads")
		require.NoError(t, err)
		require.Len(t, enrs, 1)
		assert.Equal(t, hot.ID, enrs[0].SequenceID)
	})

	t.Run("ended or paused pairs are not re-entered", func(t *testing.T) {
		for _, status := range []string{models.EnrollmentPaused, models.EnrollmentStopped, models.EnrollmentCompleted} {
			svc, _ := newSequenceTestService(t)
			hot := mustSequence(t, svc, SequenceCreateRequest{Name: "Hot", Steps: twoSteps(),
				EntryTrigger: models.EntryTrigger{Type: models.EntryOnScoreBandEntry, MinScore: 80, MaxScore: 100}})
			enr, err := svc.Enroll(ctx, "l1", hot.ID)
			require.NoError(t, err)
			if status == models.EnrollmentCompleted {
				for enr.Status != models.EnrollmentCompleted {
					enr, err = svc.AdvanceStep(ctx, enr.ID)
					require.NoError(t, err)
				}
			} else {
				_, err = svc.SetStatus(ctx, "l1", status)
				require.NoError(t, err)
			}

			_, err = svc.EvaluateUpdated(ctx, models.Entity{"id": "l1", "score": 90}, models.Entity{"id": "l1", "score": 10}, "leads")
			require.NoError(t, err)
			all, err := svc.ListEnrollments(ctx, "l1")
			require.NoError(t, err)
			require.Len(t, all, 1, status)
			assert.Equal(t, status, all[0].Status)
		}
	})
}

func TestMatchesEntryTrigger(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	band := models.EntryTrigger{Type: models.EntryOnScoreBandEntry, MinScore: 0, MaxScore: 30}
	idle := models.EntryTrigger{Type: models.EntryOnInactivity, Days: 3}

	assert.True(t, MatchesEntryTrigger(models.Entity{"id": "l1"}, band, now), "missing score counts as zero")
	assert.True(t, MatchesEntryTrigger(models.Entity{"score": "30"}, band, now))
	assert.False(t, MatchesEntryTrigger(models.Entity{"score": 31}, band, now))

	assert.True(t, MatchesEntryTrigger(models.Entity{"updatedAt": now.Add(-72 * time.Hour).UnixMilli()}, idle, now))
	assert.False(t, MatchesEntryTrigger(models.Entity{"updatedAt": now.Add(-71 * time.Hour)}, idle, now))
	assert.True(t, MatchesEntryTrigger(models.Entity{"lastActivityAt": "2026-02-20"}, idle, now))
	assert.False(t, MatchesEntryTrigger(models.Entity{"id": "l1"}, idle, now))

	stage := models.EntryTrigger{Type: models.EntryOnStageChange, TargetStage: "Site Visit"}
	assert.True(t, MatchesEntryTrigger(models.Entity{"stage": "site visit"}, stage, now))
	assert.False(t, MatchesEntryTrigger(models.Entity{"stage": "Prospect"}, stage, now))

	assert.False(t, MatchesEntryTrigger(models.Entity{}, models.EntryTrigger{Type: "other"}, now))
}

func TestSequenceService_CRUDAndStats(t *testing.T) {
	svc, _ := newSequenceTestService(t)
	ctx := context.Background()
	seq := mustSequence(t, svc, SequenceCreateRequest{Name: "Nurture", Steps: twoSteps()})
	mustSequence(t, svc, SequenceCreateRequest{Name: "Deals", Module: "deals"})

	for _, id := range []string{"l1", "l2", "l3"} {
		_, err := svc.Enroll(ctx, id, seq.ID)
		require.NoError(t, err)
	}
	_, err := svc.SetStatus(ctx, "l2", models.EnrollmentPaused)
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, "l3", models.EnrollmentStopped)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceStats{Total: 3, Active: 1, Paused: 1, Stopped: 1}, stats)

	res, err := svc.DeleteSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.BlockingCount)
	assert.Equal(t, "Cannot delete: 1 active enrollments exist", res.Message)

	name := "Nurture v2"
	updated, err := svc.UpdateSequence(ctx, seq.ID, &SequenceUpdateRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	toggled, err := svc.ToggleSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Active)

	leads, err := svc.ListSequences(ctx, "lead")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, name, leads[0].Name)

	_, err = svc.SetStatus(ctx, "l1", models.EnrollmentStopped)
	require.NoError(t, err)
	res, err = svc.DeleteSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = svc.GetSequence(ctx, seq.ID)
	assert.ErrorIs(t, err, ErrSequenceNotFound)
	_, err = svc.DeleteSequence(ctx, seq.ID)
	assert.ErrorIs(t, err, ErrSequenceNotFound)
}
