package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/stagegate/model"
)

func testFiles() []model.TemplateFile {
	return []model.TemplateFile{
		{
			Area:     "production",
			Checksum: "abc123",
			Templates: []model.WorkflowTemplate{
				{
					Type: "gift-set-assembly",
					Name: "Gift set assembly",
					Stages: []model.StageDefinition{
						{Key: "labeling", Order: 3, ActingRole: "Production"},
						{Key: "procurement", Order: 1, ActingRole: "Procurement"},
						{Key: "assembly", Order: 2, ActingRole: "Production"},
					},
				},
			},
		},
		{
			Area:     "quality",
			Checksum: "def456",
			Templates: []model.WorkflowTemplate{
				{
					Type: "artwork-qc",
					Stages: []model.StageDefinition{
						{Key: "artwork-check", Order: 1, ActingRole: "Graphic", RequiredApprovers: []string{"Sales", "Procurement"}},
					},
				},
			},
		},
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(testFiles())

	tmpl, err := r.Get("gift-set-assembly")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tmpl.Name != "Gift set assembly" {
		t.Errorf("Name = %q", tmpl.Name)
	}

	_, err = r.Get("unknown")
	if !model.IsCode(err, model.ErrUnknownWorkflowType) {
		t.Errorf("Get(unknown) error = %v, want UNKNOWN_WORKFLOW_TYPE", err)
	}
}

func TestRegistry_Get_sorts_stages_by_order(t *testing.T) {
	r := NewRegistry(testFiles())
	tmpl, _ := r.Get("gift-set-assembly")

	want := []string{"procurement", "assembly", "labeling"}
	for i, s := range tmpl.Stages {
		if s.Key != want[i] {
			t.Errorf("Stages[%d].Key = %q, want %q", i, s.Key, want[i])
		}
	}
}

func TestRegistry_Get_defaults_name(t *testing.T) {
	r := NewRegistry(testFiles())
	tmpl, _ := r.Get("artwork-qc")
	if tmpl.Name != "artwork-qc" {
		t.Errorf("Name = %q, want type as fallback", tmpl.Name)
	}
}

func TestRegistry_Get_returns_detached_copy(t *testing.T) {
	r := NewRegistry(testFiles())
	tmpl, _ := r.Get("artwork-qc")
	tmpl.Stages[0].RequiredApprovers[0] = "Hacker"

	again, _ := r.Get("artwork-qc")
	if again.Stages[0].RequiredApprovers[0] != "Sales" {
		t.Errorf("registry contents mutated through returned template")
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register("linear", []model.StageDefinition{
		{Key: "a", Order: 1, ActingRole: "Production"},
		{Key: "b", Order: 2, ActingRole: "Production"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if _, err := r.Get("linear"); err != nil {
		t.Errorf("Get(linear) error = %v", err)
	}
}

func TestRegistry_Register_invalid(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register("broken", []model.StageDefinition{
		{Key: "a", Order: 1},
	})
	if err == nil {
		t.Fatal("Register() with missing acting role should fail")
	}
	if r.Len() != 0 {
		t.Errorf("invalid template should not be registered")
	}
}

func TestRegistry_All_sorted(t *testing.T) {
	r := NewRegistry(testFiles())
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() = %d templates, want 2", len(all))
	}
	if all[0].Type != "artwork-qc" || all[1].Type != "gift-set-assembly" {
		t.Errorf("All() order = %q, %q", all[0].Type, all[1].Type)
	}
}

func TestRegistry_Checksum_changes_on_replace(t *testing.T) {
	r := NewRegistry(testFiles())
	before := r.Checksum()
	if before == "" {
		t.Fatal("Checksum() is empty")
	}
	r.Replace(testFiles()[:1])
	if r.Checksum() == before {
		t.Error("Checksum() did not change after Replace")
	}
}

func TestRegistry_concurrent_reads(t *testing.T) {
	r := NewRegistry(testFiles())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%10 == 0 {
				r.Replace(testFiles())
				return
			}
			if _, err := r.Get("gift-set-assembly"); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
}
