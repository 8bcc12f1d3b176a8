package jobs

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestStoreRoundTrip(t *testing.T) {
	s, path := openTestStore(t)

	if err := s.Add(validJob("job-1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(validJob("job-2")); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list := reopened.List()
	if len(list) != 2 || list[0].ID != "job-1" || list[1].ID != "job-2" {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Schedule.TZ != "Asia/Shanghai" {
		t.Errorf("schedule lost: %+v", list[0].Schedule)
	}
}

func TestStoreRejectsDuplicateID(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Add(validJob("job-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(validJob("job-1")); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestStoreRejectsInvalidJob(t *testing.T) {
	s, _ := openTestStore(t)
	j := validJob("job-1")
	j.Schedule.TZ = ""
	if err := s.Add(j); err == nil {
		t.Fatal("invalid job accepted")
	}
}

func TestStoreUpdatePersists(t *testing.T) {
	s, path := openTestStore(t)
	if err := s.Add(validJob("job-1")); err != nil {
		t.Fatal(err)
	}

	err := s.Update("job-1", func(j *Job) error {
		j.State.LastStatus = RunOK
		j.State.NextRunAtMs = 12345
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	j, ok := reopened.Get("job-1")
	if !ok || j.State.LastStatus != RunOK || j.State.NextRunAtMs != 12345 {
		t.Errorf("state not persisted: %+v", j)
	}
}

func TestStoreListReturnsCopies(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Add(validJob("job-1")); err != nil {
		t.Fatal(err)
	}
	s.List()[0].Payload.Text = "tampered"
	j, _ := s.Get("job-1")
	if j.Payload.Text == "tampered" {
		t.Fatal("List leaked internal state")
	}
}

func TestStoreRemove(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Add(validJob("job-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := s.Get("job-1"); ok {
		t.Fatal("job still present after remove")
	}
	if err := s.Remove("job-1"); err == nil {
		t.Fatal("removing a missing job succeeded")
	}
}

func TestStoreSchemaValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	bad := `{"version":1,"jobs":[{"id":"job-1","enabled":"yes"}]}`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, nil); err == nil {
		t.Fatal("schema-invalid job file accepted")
	}
}
