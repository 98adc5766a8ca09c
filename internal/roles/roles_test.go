package roles

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/pitabwire/stagegate/model"
)

func testRctx(subject string, groups ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: subject,
		Roles:     groups,
	}
}

// --- StaticSource tests ---

func TestStaticSource_ResolveRoles(t *testing.T) {
	s, err := NewStaticSource("testdata/roles.yaml")
	if err != nil {
		t.Fatalf("NewStaticSource() error = %v", err)
	}

	tests := []struct {
		name string
		rctx *model.RequestContext
		want []string
	}{
		{"single group", testRctx("user-a", "design-team"), []string{"Graphic"}},
		{"group with two roles", testRctx("user-b", "purchasing"), []string{"Procurement", "Warehouse"}},
		{"org role passes through", testRctx("user-c", "Logistics"), []string{"Logistics"}},
		{"subject grant merged", testRctx("user-niran", "shipping"), []string{"Logistics", "Sales", "Supervisor"}},
		{"unknown group dropped", testRctx("user-d", "marketing"), []string{}},
		{"duplicates collapse", testRctx("user-e", "sales-bkk", "Sales"), []string{"Sales"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ResolveRoles(tt.rctx)
			if err != nil {
				t.Fatalf("ResolveRoles() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolveRoles() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaticSource_MissingFile(t *testing.T) {
	_, err := NewStaticSource("testdata/nope.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStaticSource_UndeclaredRole(t *testing.T) {
	_, err := NewStaticSource("testdata/undeclared.yaml")
	if err == nil {
		t.Fatal("expected error for group mapped to undeclared role")
	}
}

func TestPassthroughSource(t *testing.T) {
	rctx := testRctx("user-a", "Sales", "Graphic")
	got, _ := PassthroughSource{}.ResolveRoles(rctx)
	if !reflect.DeepEqual(got, []string{"Sales", "Graphic"}) {
		t.Errorf("ResolveRoles() = %v", got)
	}
	got[0] = "Mutated"
	if rctx.Roles[0] != "Sales" {
		t.Error("passthrough must not alias the token roles")
	}
}

// --- Resolver tests ---

func TestResolver_Resolve_and_Cache(t *testing.T) {
	s, _ := NewStaticSource("testdata/roles.yaml")
	r := NewResolver(s, 5*time.Minute)

	rctx := testRctx("user-a", "design-team")

	roles1, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	roles2, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(roles1, roles2) || len(roles1) != 1 || roles1[0] != "Graphic" {
		t.Errorf("Resolve() = %v then %v, want [Graphic] twice", roles1, roles2)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockSource{
		resolveFunc: func(*model.RequestContext) ([]string, error) {
			callCount++
			return []string{"Sales"}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)
	rctx := testRctx("user-1")

	r.Resolve(rctx)
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("user-2")
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after invalidating another subject, want 1", callCount)
	}

	r.Invalidate("user-1")
	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_GroupsPartOfKey(t *testing.T) {
	callCount := 0
	mock := &mockSource{
		resolveFunc: func(*model.RequestContext) ([]string, error) {
			callCount++
			return nil, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)

	r.Resolve(testRctx("user-1", "a", "b"))
	r.Resolve(testRctx("user-1", "b", "a"))
	if callCount != 1 {
		t.Fatalf("callCount = %d, want 1 for same groups in another order", callCount)
	}
	r.Resolve(testRctx("user-1", "a"))
	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 for changed groups", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockSource{
		resolveFunc: func(*model.RequestContext) ([]string, error) {
			callCount++
			return []string{"Sales"}, nil
		},
	}
	r := NewResolver(mock, 1*time.Millisecond)
	rctx := testRctx("user-1")

	r.Resolve(rctx)
	time.Sleep(5 * time.Millisecond)
	r.Resolve(rctx)

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

func TestResolver_ErrorNotCached(t *testing.T) {
	callCount := 0
	mock := &mockSource{
		resolveFunc: func(*model.RequestContext) ([]string, error) {
			callCount++
			return nil, errors.New("directory unavailable")
		},
	}
	r := NewResolver(mock, 5*time.Minute)

	if _, err := r.Resolve(testRctx("user-1")); err == nil {
		t.Fatal("expected error")
	}
	r.Resolve(testRctx("user-1"))
	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (errors are not cached)", callCount)
	}
}

type mockSource struct {
	resolveFunc func(rctx *model.RequestContext) ([]string, error)
}

func (m *mockSource) ResolveRoles(rctx *model.RequestContext) ([]string, error) {
	return m.resolveFunc(rctx)
}

func (m *mockSource) Sync() error { return nil }
