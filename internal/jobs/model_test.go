package jobs

import (
	"strings"
	"testing"
	"time"
)

func validJob(id string) *Job {
	return &Job{
		ID:      id,
		Enabled: true,
		Schedule: Schedule{
			Kind: ScheduleCron,
			Expr: "0 9 * * *",
			TZ:   "Asia/Shanghai",
		},
		Route:    RouteRef{ConversationID: "chat-A"},
		Payload:  Payload{Text: "daily standup summary"},
		Delivery: Delivery{Mode: DeliveryReply},
	}
}

func TestValidateAcceptsWellFormedJob(t *testing.T) {
	if err := Validate(validJob("job-1")); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsCronWithoutTimezone(t *testing.T) {
	j := validJob("job-1")
	j.Schedule.TZ = ""
	err := Validate(j)
	if err == nil {
		t.Fatal("cron schedule without timezone accepted")
	}
	if !strings.Contains(err.Error(), CodeBadSchedule) {
		t.Errorf("error %q does not carry %s", err, CodeBadSchedule)
	}
}

func TestValidateRejectsBadInputs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Job)
	}{
		{"empty id", func(j *Job) { j.ID = "" }},
		{"no route", func(j *Job) { j.Route.ConversationID = "" }},
		{"no payload", func(j *Job) { j.Payload.Text = "" }},
		{"no delivery mode", func(j *Job) { j.Delivery.Mode = "" }},
		{"bad delivery mode", func(j *Job) { j.Delivery.Mode = "broadcast" }},
		{"negative maxChars", func(j *Job) { j.Delivery.MaxChars = -1 }},
		{"bad cron expr", func(j *Job) { j.Schedule.Expr = "not a cron" }},
		{"bad timezone", func(j *Job) { j.Schedule.TZ = "Mars/Olympus" }},
		{"bad kind", func(j *Job) { j.Schedule.Kind = "sometimes" }},
		{"every without interval", func(j *Job) { j.Schedule = Schedule{Kind: ScheduleEvery} }},
		{"at without time", func(j *Job) { j.Schedule = Schedule{Kind: ScheduleAt} }},
	}
	for _, tc := range cases {
		j := validJob("job-1")
		tc.mutate(j)
		if err := Validate(j); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestNextRunCronRespectsTimezone(t *testing.T) {
	sched := Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "Asia/Shanghai"}
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatal(err)
	}

	// 11:00 in Shanghai: today's 09:00 has passed, next fire is tomorrow.
	now := time.Date(2026, 1, 5, 11, 0, 0, 0, loc)
	next, err := NextRun(sched, now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 1, 6, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// 03:00 UTC is 11:00 Shanghai; the result must not use host-local time.
	nowUTC := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	next, err = NextRun(sched, nowUTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.Equal(want) {
		t.Errorf("next from UTC now = %v, want %v", next, want)
	}
}

func TestNextRunEveryStepsFromAnchor(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	sched := Schedule{
		Kind:     ScheduleEvery,
		EveryMs:  (10 * time.Minute).Milliseconds(),
		AnchorMs: anchor.UnixMilli(),
	}

	now := anchor.Add(25 * time.Minute)
	next, err := NextRun(sched, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := anchor.Add(30 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunEveryWithoutAnchor(t *testing.T) {
	sched := Schedule{Kind: ScheduleEvery, EveryMs: (time.Hour).Milliseconds()}
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	next, err := NextRun(sched, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(time.Hour); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunAtIsOneShot(t *testing.T) {
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	sched := Schedule{Kind: ScheduleAt, AtMs: at.UnixMilli()}

	next, err := NextRun(sched, at.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(at) {
		t.Errorf("next = %v, want %v", next, at)
	}

	next, err = NextRun(sched, at.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !next.IsZero() {
		t.Errorf("spent one-shot produced next = %v", next)
	}
}
